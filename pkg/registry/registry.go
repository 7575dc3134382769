package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/sheetagent/pkg/sheet"
	"github.com/malbeclabs/sheetagent/pkg/table"
)

var (
	ErrTableNotFound   = errors.New("table not found")
	ErrNoActiveTable   = errors.New("no table loaded")
	ErrBindingConflict = errors.New("binding name conflict")
	ErrInvalidJoin     = table.ErrInvalidJoin
)

const (
	joinedPrefix    = "🔗 "
	joinedSheetName = "merged"
)

type TableInfo struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	FilePath     string    `json:"file_path"`
	SheetName    string    `json:"sheet_name"`
	TotalRows    int       `json:"total_rows"`
	TotalColumns int       `json:"total_columns"`
	LoadedAt     time.Time `json:"loaded_at"`
	IsActive     bool      `json:"is_active"`
	IsJoined     bool      `json:"is_joined"`
	SourceTables []string  `json:"source_tables,omitempty"`
}

// Source names a workbook and optional sheet to load.
type Source struct {
	Path  string `json:"path" yaml:"path"`
	Sheet string `json:"sheet,omitempty" yaml:"sheet"`
}

type JoinSpec struct {
	LeftID    string         `json:"table1_id"`
	RightID   string         `json:"table2_id"`
	LeftKeys  []string       `json:"keys1"`
	RightKeys []string       `json:"keys2"`
	Kind      table.JoinKind `json:"join_type"`
	Name      string         `json:"new_name"`
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Loader sheet.Loader

	PreloadWorkers   int
	PreviewRows      int
	FieldValuesLimit int

	// NewID overrides table id generation in tests.
	NewID func() string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Loader == nil {
		return fmt.Errorf("loader is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PreloadWorkers <= 0 {
		cfg.PreloadWorkers = 4
	}
	if cfg.PreviewRows <= 0 {
		cfg.PreviewRows = 5
	}
	if cfg.FieldValuesLimit <= 0 {
		cfg.FieldValuesLimit = 30
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString()[:8] }
	}
	return nil
}

type entry struct {
	table           *table.Table
	info            TableInfo
	allSheets       []string
	businessLogic   string
	commonQuestions string
}

// Registry owns every loaded table. Tables are immutable once registered;
// readers get the shared *table.Table and must not modify it.
type Registry struct {
	log *slog.Logger
	cfg Config

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	active  string
}

func New(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		log:     cfg.Logger,
		cfg:     cfg,
		entries: make(map[string]*entry),
	}, nil
}

// AddTable loads a workbook sheet and makes it the active table.
func (r *Registry) AddTable(ctx context.Context, source, sheetName string) (string, sheet.Structure, error) {
	wb, err := r.cfg.Loader.Load(ctx, source, sheetName)
	if err != nil {
		return "", sheet.Structure{}, err
	}
	id := r.add(wb)
	return id, wb.Structure(), nil
}

type Added struct {
	ID        string          `json:"id"`
	Structure sheet.Structure `json:"structure"`
}

// AddTables loads sources concurrently and registers them in input order.
// Nothing is registered if any source fails.
func (r *Registry) AddTables(ctx context.Context, sources []Source) ([]Added, error) {
	pool := pond.NewResultPool[*sheet.Workbook](r.cfg.PreloadWorkers)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for _, src := range sources {
		group.SubmitErr(func() (*sheet.Workbook, error) {
			wb, err := r.cfg.Loader.Load(ctx, src.Path, src.Sheet)
			if err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", src.Path, err)
			}
			return wb, nil
		})
	}
	workbooks, err := group.Wait()
	if err != nil {
		return nil, err
	}

	added := make([]Added, 0, len(workbooks))
	for _, wb := range workbooks {
		added = append(added, Added{ID: r.add(wb), Structure: wb.Structure()})
	}
	return added, nil
}

func (r *Registry) add(wb *sheet.Workbook) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.freshID()
	r.entries[id] = &entry{
		table:           wb.Table,
		allSheets:       wb.AllSheets,
		businessLogic:   wb.BusinessLogic,
		commonQuestions: wb.CommonQuestions,
		info: TableInfo{
			ID:           id,
			Filename:     filepath.Base(wb.Source),
			FilePath:     wb.Source,
			SheetName:    wb.SheetName,
			TotalRows:    wb.Table.Len(),
			TotalColumns: wb.Table.Width(),
			LoadedAt:     r.cfg.Clock.Now(),
		},
	}
	r.order = append(r.order, id)
	r.active = id
	r.log.Info("registry: table added", "id", id, "source", wb.Source, "sheet", wb.SheetName, "rows", wb.Table.Len())
	return id
}

// Register adds an in-memory table under the given name and makes it active.
func (r *Registry) Register(name string, t *table.Table) string {
	return r.add(&sheet.Workbook{Source: name, SheetName: name, AllSheets: []string{name}, Table: t})
}

// freshID must be called with mu held.
func (r *Registry) freshID() string {
	for {
		id := r.cfg.NewID()
		if _, ok := r.entries[id]; !ok {
			return id
		}
	}
}

// RemoveTable drops a table. Removing the active table activates the
// earliest remaining one, or none.
func (r *Registry) RemoveTable(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.active == id {
		r.active = ""
		if len(r.order) > 0 {
			r.active = r.order[0]
		}
	}
	r.log.Info("registry: table removed", "id", id, "active", r.active)
	return true
}

func (r *Registry) SetActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	r.active = id
	return true
}

// JoinTables joins two registered tables and registers the result as the
// active table. The join runs under the write lock, so neither source can be
// removed between lookup and registration.
func (r *Registry) JoinTables(spec JoinSpec) (string, sheet.Structure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	left, lok := r.entries[spec.LeftID]
	right, rok := r.entries[spec.RightID]
	if !lok || !rok {
		return "", sheet.Structure{}, fmt.Errorf("%w: unknown table id", ErrInvalidJoin)
	}

	name := spec.Name
	if name == "" {
		name = "joined"
	}
	joined, err := table.Join(left.table, right.table, table.JoinOptions{
		LeftKeys:  spec.LeftKeys,
		RightKeys: spec.RightKeys,
		Kind:      spec.Kind,
	})
	if err != nil {
		return "", sheet.Structure{}, err
	}

	id := r.freshID()
	path := "[joined] " + name
	r.entries[id] = &entry{
		table:     joined,
		allSheets: []string{joinedSheetName},
		info: TableInfo{
			ID:           id,
			Filename:     joinedPrefix + name,
			FilePath:     path,
			SheetName:    joinedSheetName,
			TotalRows:    joined.Len(),
			TotalColumns: joined.Width(),
			LoadedAt:     r.cfg.Clock.Now(),
			IsJoined:     true,
			SourceTables: []string{left.info.Filename, right.info.Filename},
		},
	}
	r.order = append(r.order, id)
	r.active = id
	r.log.Info("registry: tables joined", "id", id, "left", spec.LeftID, "right", spec.RightID, "kind", spec.Kind, "rows", joined.Len())
	return id, sheet.Describe(path, joinedSheetName, []string{joinedSheetName}, joined), nil
}

// ListTables returns a snapshot of every table's metadata in load order.
func (r *Registry) ListTables() []TableInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TableInfo, 0, len(r.order))
	for _, id := range r.order {
		info := r.entries[id].info
		info.IsActive = id == r.active
		out = append(out, info)
	}
	return out
}

func (r *Registry) Table(id string) (*table.Table, TableInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, TableInfo{}, fmt.Errorf("%w: %s", ErrTableNotFound, id)
	}
	info := e.info
	info.IsActive = id == r.active
	return e.table, info, nil
}

func (r *Registry) Structure(id string) (sheet.Structure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return sheet.Structure{}, fmt.Errorf("%w: %s", ErrTableNotFound, id)
	}
	return sheet.Describe(e.info.FilePath, e.info.SheetName, e.allSheets, e.table), nil
}

// Active returns the active table. ok is false when nothing is loaded.
func (r *Registry) Active() (*table.Table, TableInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == "" {
		return nil, TableInfo{}, false
	}
	e := r.entries[r.active]
	info := e.info
	info.IsActive = true
	return e.table, info, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
