package workflow

type limits struct {
	maxRetries     int
	reanalyzeAfter int
}

// next returns the node that follows n. It reads the state and never
// changes it.
func next(n Node, s *State, l limits) Node {
	switch n {
	case NodeLoadContext:
		return NodeAnalyzeIntent
	case NodeAnalyzeIntent:
		return NodeGenerateQuery
	case NodeGenerateQuery:
		return NodeValidateQuery
	case NodeValidateQuery:
		if s.QueryValid {
			return NodeExecute
		}
		if s.RetryCount >= l.maxRetries {
			return NodeRefineAnswer
		}
		return NodeGenerateQuery
	case NodeExecute:
		if s.ErrorMessage == "" {
			return NodeRefineAnswer
		}
		if s.RetryCount >= l.maxRetries {
			return NodeRefineAnswer
		}
		if s.RetryCount > l.reanalyzeAfter && !s.Reanalyzed {
			return NodeAnalyzeIntent
		}
		return NodeGenerateQuery
	default:
		return NodeDone
	}
}
