package sheet

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/malbeclabs/sheetagent/pkg/table"
)

var (
	ErrNotFound          = errors.New("workbook not found")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrSheetNotFound     = errors.New("sheet not found")
)

// Sheets with these names carry prose for the model rather than data.
const (
	BusinessLogicSheet   = "解释和逻辑"
	CommonQuestionsSheet = "问题"

	businessLogicRows   = 20
	commonQuestionsRows = 5
)

// Legacy binary .xls workbooks are not readable by excelize.
var supportedExtensions = []string{".xlsx", ".xlsm"}

// Loader reads one data sheet from a workbook source. An empty sheet name
// selects the first sheet that is not a context sheet.
type Loader interface {
	Load(ctx context.Context, source, sheet string) (*Workbook, error)
}

// Workbook is a loaded data sheet plus the workbook's context sheets.
type Workbook struct {
	Source          string
	SheetName       string
	AllSheets       []string
	Table           *table.Table
	BusinessLogic   string
	CommonQuestions string
}

func (w *Workbook) Structure() Structure {
	return Describe(w.Source, w.SheetName, w.AllSheets, w.Table)
}

type ColumnInfo struct {
	Name         string     `json:"name"`
	DType        table.Type `json:"dtype"`
	NonNullCount int        `json:"non_null_count"`
	NullCount    int        `json:"null_count"`
}

type Structure struct {
	FilePath     string       `json:"file_path"`
	SheetName    string       `json:"sheet_name"`
	AllSheets    []string     `json:"all_sheets"`
	TotalRows    int          `json:"total_rows"`
	TotalColumns int          `json:"total_columns"`
	Columns      []ColumnInfo `json:"columns"`
}

// Describe computes the structure of a table.
func Describe(path, sheetName string, allSheets []string, t *table.Table) Structure {
	cols := make([]ColumnInfo, len(t.Columns))
	for j, c := range t.Columns {
		nulls := 0
		for i := range t.Rows {
			if t.Cell(i, j) == nil {
				nulls++
			}
		}
		cols[j] = ColumnInfo{Name: c.Name, DType: c.Type, NonNullCount: t.Len() - nulls, NullCount: nulls}
	}
	return Structure{
		FilePath:     path,
		SheetName:    sheetName,
		AllSheets:    allSheets,
		TotalRows:    t.Len(),
		TotalColumns: t.Width(),
		Columns:      cols,
	}
}

func IsContextSheet(name string) bool {
	return name == BusinessLogicSheet || name == CommonQuestionsSheet
}

// CheckExtension rejects sources that are not Excel workbooks.
func CheckExtension(source string) error {
	ext := strings.ToLower(filepath.Ext(source))
	if !slices.Contains(supportedExtensions, ext) {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return nil
}

// PickSheet resolves the sheet to load from the workbook's sheet list.
func PickSheet(all []string, requested string) (string, error) {
	if requested != "" {
		if !slices.Contains(all, requested) {
			return "", fmt.Errorf("%w: %q (available: %s)", ErrSheetNotFound, requested, strings.Join(all, ", "))
		}
		return requested, nil
	}
	for _, s := range all {
		if !IsContextSheet(s) {
			return s, nil
		}
	}
	if len(all) == 0 {
		return "", fmt.Errorf("%w: workbook has no sheets", ErrSheetNotFound)
	}
	return all[0], nil
}

// TableFromRows turns raw sheet rows into a table. The first row is the
// header; blank headers become "Unnamed: N" and repeated headers get a ".N"
// suffix.
func TableFromRows(raw [][]string) *table.Table {
	if len(raw) == 0 {
		return table.FromRows(nil, nil)
	}
	width := 0
	for _, r := range raw {
		width = max(width, len(r))
	}

	names := make([]string, width)
	seen := make(map[string]int, width)
	for j := range width {
		name := ""
		if j < len(raw[0]) {
			name = strings.TrimSpace(raw[0][j])
		}
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", j)
		}
		if n, ok := seen[name]; ok {
			seen[name] = n + 1
			name = fmt.Sprintf("%s.%d", name, n+1)
		} else {
			seen[name] = 0
		}
		names[j] = name
	}

	rows := make([][]any, 0, len(raw)-1)
	for _, r := range raw[1:] {
		row := make([]any, width)
		for j := range width {
			if j < len(r) {
				row[j] = table.ParseCell(r[j])
			}
		}
		rows = append(rows, row)
	}
	return table.FromRows(names, rows)
}
