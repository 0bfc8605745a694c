package pipeline

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/Sternrassler/github-ingest/pkg/pagination"
	"github.com/Sternrassler/github-ingest/pkg/record"
	"github.com/Sternrassler/github-ingest/pkg/sink"
)

// Resource describes one GitHub collection and where its records land.
type Resource struct {
	// Name identifies the resource in logs, metrics and the watermark store.
	Name string

	// Path is joined with the pipeline base URL, e.g. "/repos/octo/hello/issues".
	Path   string
	Params url.Values

	// PageSize overrides the pipeline page size when > 0.
	PageSize int

	WatermarkField string
	WatermarkKind  record.Kind

	// SinceParam forwards the watermark on the first request, e.g. "since".
	SinceParam string

	// InitialWatermark is used when no watermark has been stored yet.
	InitialWatermark record.Watermark

	PrimaryKey []string

	// Fields limits the stored fields. Empty keeps every field.
	Fields []string

	// Table is the destination table. It defaults to the normalized Name.
	Table string

	// TableField routes each record to Table + "_" + its (dotted) field
	// value, e.g. events by "type".
	TableField string
}

// Validate checks the resource definition.
func (r Resource) Validate() error {
	if r.Name == "" {
		return errors.New("resource name is required")
	}
	if r.Path == "" {
		return fmt.Errorf("resource %s: path is required", r.Name)
	}
	if len(r.PrimaryKey) == 0 {
		return fmt.Errorf("resource %s: primary_key is required", r.Name)
	}
	if r.PageSize < 0 {
		return fmt.Errorf("resource %s: page_size must be >= 0 (got %d)", r.Name, r.PageSize)
	}
	if r.WatermarkKind != "" {
		if _, err := record.ParseKind(string(r.WatermarkKind)); err != nil {
			return fmt.Errorf("resource %s: %w", r.Name, err)
		}
	}
	if len(r.Fields) > 0 {
		for _, k := range r.PrimaryKey {
			if !slices.Contains(r.Fields, k) {
				return fmt.Errorf("resource %s: primary key %q is not among fields", r.Name, k)
			}
		}
	}
	if r.table() == "" {
		return fmt.Errorf("resource %s: table name is empty", r.Name)
	}
	return nil
}

func (r Resource) table() string {
	if r.Table != "" {
		return r.Table
	}
	return sink.NormalizeName(r.Name)
}

// tableFor returns the destination table of rec.
func (r Resource) tableFor(rec record.Record) (string, error) {
	if r.TableField == "" {
		return r.table(), nil
	}
	v, err := rec.Path(r.TableField)
	if err != nil {
		return "", err
	}
	suffix := sink.NormalizeName(record.FormatValue(v))
	if suffix == "" {
		return "", fmt.Errorf("table field %q has no usable value", r.TableField)
	}
	return r.table() + "_" + suffix, nil
}

func (r Resource) fetcherConfig(baseURL string, pageSize int, delay time.Duration) pagination.Config {
	cfg := pagination.DefaultConfig()
	cfg.Name = r.Name
	cfg.BaseURL = baseURL
	cfg.Path = r.Path
	cfg.Params = r.Params
	cfg.RateLimitDelay = delay
	cfg.SinceParam = r.SinceParam
	cfg.InitialWatermark = r.InitialWatermark

	if pageSize > 0 {
		cfg.PageSize = pageSize
	}
	if r.PageSize > 0 {
		cfg.PageSize = r.PageSize
	}
	if r.WatermarkField != "" {
		cfg.WatermarkField = r.WatermarkField
	}
	if r.WatermarkKind != "" {
		cfg.WatermarkKind = r.WatermarkKind
	}
	return cfg
}
