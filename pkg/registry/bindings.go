package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/malbeclabs/sheetagent/pkg/table"
)

// SanitizeName turns a sheet name into a query identifier: spaces and
// hyphens become underscores and a leading digit gets a "df_" prefix.
func SanitizeName(name string) string {
	clean := strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	if clean != "" && unicode.IsDigit([]rune(clean)[0]) {
		clean = "df_" + clean
	}
	return clean
}

// bindingSource is the raw name a table binds under: its sheet name, or its
// join name for joined tables.
func (e *entry) bindingSource() string {
	if e.info.IsJoined {
		return strings.TrimPrefix(e.info.Filename, joinedPrefix)
	}
	return e.info.SheetName
}

// Bindings is the query namespace derived from sheet and join names.
// Names claimed by more than one table are withheld from Tables and their
// ErrBindingConflict is kept in Conflicts, so only queries that read an
// ambiguous name fail.
type Bindings struct {
	Tables    map[string]*table.Table
	Conflicts map[string]error
}

// Lookup returns the table bound to name. ok is false when nothing binds it;
// err is set when the name is ambiguous.
func (b Bindings) Lookup(name string) (t *table.Table, ok bool, err error) {
	if err, found := b.Conflicts[name]; found {
		return nil, false, err
	}
	t, ok = b.Tables[name]
	return t, ok, nil
}

// Bindings maps sanitized names to tables.
func (r *Registry) Bindings() Bindings {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := make(map[string][]string, len(r.entries))
	var names []string
	for _, id := range r.order {
		name := SanitizeName(r.entries[id].bindingSource())
		if name == "" {
			continue
		}
		if _, ok := owners[name]; !ok {
			names = append(names, name)
		}
		owners[name] = append(owners[name], id)
	}

	b := Bindings{
		Tables:    make(map[string]*table.Table, len(names)),
		Conflicts: make(map[string]error),
	}
	for _, name := range names {
		ids := owners[name]
		if len(ids) > 1 {
			b.Conflicts[name] = fmt.Errorf("%w: %q is bound by tables %s; query the active table as df or remove all but one", ErrBindingConflict, name, strings.Join(ids, ", "))
			continue
		}
		b.Tables[name] = r.entries[ids[0]].table
	}
	return b
}

// BindingNames lists the sanitized names in load order, ignoring conflicts.
func (r *Registry) BindingNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for _, id := range r.order {
		name := SanitizeName(r.entries[id].bindingSource())
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// FieldValuesJSON returns {sheet: {column: [distinct values]}} for text
// columns of every table, capped at the configured number of values per
// column. The model uses it to map user phrasing onto real cell values.
func (r *Registry) FieldValuesJSON() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string][]string, len(r.entries))
	for _, id := range r.order {
		e := r.entries[id]
		cols := make(map[string][]string)
		for j, c := range e.table.Columns {
			if c.Type != table.TypeString {
				continue
			}
			seen := make(map[string]bool)
			var values []string
			for i := range e.table.Rows {
				v := e.table.Cell(i, j)
				if v == nil {
					continue
				}
				s := table.Text(v)
				if seen[s] {
					continue
				}
				seen[s] = true
				values = append(values, s)
				if len(values) >= r.cfg.FieldValuesLimit {
					break
				}
			}
			if len(values) > 0 {
				cols[c.Name] = values
			}
		}
		out[e.info.SheetName] = cols
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// BusinessContext returns the active table's business-logic sheet text.
func (r *Registry) BusinessContext() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[r.active]; ok {
		return e.businessLogic
	}
	return ""
}

// Summary describes the active table for prompts.
func (r *Registry) Summary() string {
	t, info, ok := r.Active()
	if !ok {
		return "No spreadsheet loaded."
	}

	r.mu.RLock()
	e := r.entries[info.ID]
	r.mu.RUnlock()
	if e == nil {
		return "No spreadsheet loaded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "File: %s\n", info.FilePath)
	fmt.Fprintf(&sb, "Sheet: %s\n", info.SheetName)
	fmt.Fprintf(&sb, "All sheets: %s\n", strings.Join(e.allSheets, ", "))
	fmt.Fprintf(&sb, "Size: %d rows x %d columns\n\n", t.Len(), t.Width())
	sb.WriteString("Columns:\n")
	for j, c := range t.Columns {
		nonNull := 0
		for i := range t.Rows {
			if t.Cell(i, j) != nil {
				nonNull++
			}
		}
		fmt.Fprintf(&sb, "  - `%s` (%s): %d non-null\n", c.Name, c.Type, nonNull)
	}
	fmt.Fprintf(&sb, "\nFirst %d rows:\n", min(r.cfg.PreviewRows, t.Len()))
	sb.WriteString(t.Markdown(r.cfg.PreviewRows))

	if e.businessLogic != "" {
		sb.WriteString("\n## Business logic\n")
		sb.WriteString(e.businessLogic)
	}
	if e.commonQuestions != "" {
		sb.WriteString("\n## Common questions\n")
		sb.WriteString(e.commonQuestions)
	}

	names := r.BindingNames()
	if len(names) > 1 {
		sort.Strings(names)
		sb.WriteString("\n## Available tables\n")
		sb.WriteString("Every loaded table can be queried by name (the active table is also `df`):\n")
		for _, n := range names {
			fmt.Fprintf(&sb, "- `%s`\n", n)
		}
	}
	return sb.String()
}
