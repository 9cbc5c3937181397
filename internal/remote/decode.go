package remote

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ohler55/ojg/jp"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/fault"
)

// decoder evaluates a shape's compiled field paths against result objects.
type decoder struct {
	shape api.Shape
	paths map[string]jp.Expr
}

func compile(s api.Shape) (*decoder, error) {
	d := &decoder{shape: s, paths: make(map[string]jp.Expr, len(s.Fields))}
	for field, expr := range s.Fields {
		x, err := jp.ParseString(expr)
		if err != nil {
			return nil, fmt.Errorf("shape %s field %s: %w", s.Name, field, err)
		}
		d.paths[field] = x
	}
	return d, nil
}

func (d *decoder) value(obj any, field string) any {
	x, ok := d.paths[field]
	if !ok {
		return nil
	}
	return x.First(obj)
}

func (d *decoder) str(obj any, field string) string {
	switch v := d.value(obj, field).(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func (d *decoder) num(obj any, field string) (float64, bool) {
	switch v := d.value(obj, field).(type) {
	case int64:
		return float64(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (d *decoder) timestamp(obj any, field string) time.Time {
	switch v := d.value(obj, field).(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	case time.Time:
		return v
	case int64:
		return time.UnixMilli(v).UTC()
	}
	return time.Time{}
}

// members decodes every result that carries an id. A non-empty page where no
// result decodes is a schema mismatch.
func (d *decoder) members(results []any) ([]api.MemberRecord, error) {
	out := make([]api.MemberRecord, 0, len(results))
	for _, obj := range results {
		id := d.str(obj, "id")
		if id == "" {
			continue
		}
		m := api.MemberRecord{
			ID:           id,
			Username:     d.str(obj, "username"),
			ClusterLabel: d.str(obj, "cluster"),
		}
		if img := d.str(obj, "image"); img != "" {
			m.ProfileImageRef = &img
		}
		if r, ok := d.num(obj, "risk"); ok {
			m.RiskScore = float32(math.Max(0, math.Min(100, r)))
			m.HasRiskScore = true
		}
		if days, ok := d.num(obj, "sobriety"); ok && days > 0 {
			m.SobrietyDays = int(days)
		}
		out = append(out, m)
	}
	if len(out) == 0 && len(results) > 0 {
		return nil, fmt.Errorf("shape %s decoded 0 of %d members: %w", d.shape.Name, len(results), fault.ErrSchemaMismatch)
	}
	return out, nil
}

func (d *decoder) posts(results []any) []api.Post {
	out := make([]api.Post, 0, len(results))
	for _, obj := range results {
		id := d.str(obj, "id")
		creator := d.str(obj, "creator")
		if id == "" || creator == "" {
			continue
		}
		n, _ := d.num(obj, "comments")
		out = append(out, api.Post{
			ID:           id,
			CreatorID:    creator,
			CreatedAt:    d.timestamp(obj, "created"),
			CommentCount: int(n),
			ImageRef:     d.str(obj, "image"),
			TextSnippet:  snippet(d.str(obj, "text"), 140),
		})
	}
	return out
}

func (d *decoder) comments(results []any) []api.Comment {
	out := make([]api.Comment, 0, len(results))
	for _, obj := range results {
		id := d.str(obj, "id")
		author := d.str(obj, "author")
		if id == "" || author == "" {
			continue
		}
		out = append(out, api.Comment{
			ID:            id,
			AuthorID:      author,
			PostID:        d.str(obj, "post"),
			PostCreatorID: d.str(obj, "postCreator"),
			CreatedAt:     d.timestamp(obj, "created"),
		})
	}
	return out
}

func snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
