package sheet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/malbeclabs/sheetagent/pkg/table"
	"github.com/xuri/excelize/v2"
)

// Fetcher downloads remote workbooks.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
	Stat(ctx context.Context, uri string) (string, error)
}

type ReaderConfig struct {
	Logger *slog.Logger

	// Fetcher serves s3:// sources. Optional; without it remote sources fail
	// with ErrNotFound.
	Fetcher Fetcher
}

func (cfg *ReaderConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Reader loads workbooks from the local filesystem or S3 with excelize.
type Reader struct {
	log *slog.Logger
	cfg ReaderConfig
}

func NewReader(cfg ReaderConfig) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reader{log: cfg.Logger, cfg: cfg}, nil
}

func IsRemote(source string) bool {
	return strings.HasPrefix(source, "s3://")
}

func (r *Reader) Load(ctx context.Context, source, sheetName string) (*Workbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var in io.Reader
	if IsRemote(source) {
		if r.cfg.Fetcher == nil {
			return nil, fmt.Errorf("%w: %s (no object store configured)", ErrNotFound, source)
		}
		if err := CheckExtension(source); err != nil {
			return nil, err
		}
		data, err := r.cfg.Fetcher.Fetch(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch workbook: %w", err)
		}
		in = bytes.NewReader(data)
	} else {
		if _, err := os.Stat(source); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, source)
			}
			return nil, fmt.Errorf("failed to stat workbook: %w", err)
		}
		if err := CheckExtension(source); err != nil {
			return nil, err
		}
		fh, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("failed to open workbook: %w", err)
		}
		defer fh.Close()
		in = fh
	}

	f, err := excelize.OpenReader(in)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", source, err)
	}
	defer f.Close()

	wb, err := r.read(f, source, sheetName)
	if err != nil {
		return nil, err
	}
	r.log.Debug("sheet: workbook loaded", "source", source, "sheet", wb.SheetName, "rows", wb.Table.Len(), "columns", wb.Table.Width())
	return wb, nil
}

func (r *Reader) read(f *excelize.File, source, sheetName string) (*Workbook, error) {
	all := f.GetSheetList()
	name, err := PickSheet(all, sheetName)
	if err != nil {
		return nil, err
	}

	wb := &Workbook{Source: source, SheetName: name, AllSheets: all}

	// Context sheets are best effort.
	for _, s := range all {
		switch s {
		case BusinessLogicSheet:
			if t, err := readSheet(f, s); err != nil {
				r.log.Warn("sheet: failed to read context sheet", "source", source, "sheet", s, "error", err)
			} else {
				wb.BusinessLogic = t.Markdown(businessLogicRows)
			}
		case CommonQuestionsSheet:
			if t, err := readSheet(f, s); err != nil {
				r.log.Warn("sheet: failed to read context sheet", "source", source, "sheet", s, "error", err)
			} else {
				wb.CommonQuestions = t.Markdown(commonQuestionsRows)
			}
		}
	}

	t, err := readSheet(f, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", name, err)
	}
	wb.Table = t
	return wb, nil
}

func readSheet(f *excelize.File, name string) (*table.Table, error) {
	rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, err
	}
	return TableFromRows(rows), nil
}
