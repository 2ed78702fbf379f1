package docstore

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Memory implements Store in-process. Documents round-trip through bson so
// field names, timestamps and numeric widths behave exactly as they do on
// MongoDB; tests run every service against this implementation.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]bson.M
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]bson.M)}
}

func (s *Memory) Insert(ctx context.Context, collection string, doc any) error {
	normalized, err := normalizeDoc(doc)
	if err != nil {
		return fmt.Errorf("docstore: insert %s: %w", collection, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[collection] = append(s.collections[collection], normalized)
	return nil
}

func (s *Memory) FindOne(ctx context.Context, collection string, q Query, out any) error {
	matcher, err := newMatcher(q)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.collections[collection] {
		if matcher.matches(doc) {
			return decodeDoc(doc, out)
		}
	}
	return ErrNoDocuments
}

func (s *Memory) Find(ctx context.Context, collection string, q Query, out any) error {
	matcher, err := newMatcher(q)
	if err != nil {
		return err
	}
	outv := reflect.ValueOf(out)
	if outv.Kind() != reflect.Ptr || outv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("docstore: find %s: out must be a pointer to slice", collection)
	}
	slice := outv.Elem()
	slice.Set(reflect.MakeSlice(slice.Type(), 0, 0))

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.collections[collection] {
		if !matcher.matches(doc) {
			continue
		}
		elem := reflect.New(slice.Type().Elem())
		if err := decodeDoc(doc, elem.Interface()); err != nil {
			return err
		}
		slice.Set(reflect.Append(slice, elem.Elem()))
	}
	outv.Elem().Set(slice)
	return nil
}

func (s *Memory) UpdateOne(ctx context.Context, collection string, q Query, ops Ops) (UpdateResult, error) {
	return s.update(collection, q, ops, 1)
}

func (s *Memory) UpdateMany(ctx context.Context, collection string, q Query, ops Ops) (UpdateResult, error) {
	return s.update(collection, q, ops, -1)
}

func (s *Memory) update(collection string, q Query, ops Ops, limit int) (UpdateResult, error) {
	matcher, err := newMatcher(q)
	if err != nil {
		return UpdateResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var res UpdateResult
	for i, doc := range s.collections[collection] {
		if limit >= 0 && res.Matched >= int64(limit) {
			break
		}
		if !matcher.matches(doc) {
			continue
		}
		res.Matched++
		changed, err := applyOps(doc, ops)
		if err != nil {
			return res, err
		}
		if changed {
			res.Modified++
			s.collections[collection][i] = doc
		}
	}
	return res, nil
}

func (s *Memory) Delete(ctx context.Context, collection string, q Query) (int64, error) {
	matcher, err := newMatcher(q)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []bson.M
	var deleted int64
	for _, doc := range s.collections[collection] {
		if matcher.matches(doc) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	s.collections[collection] = kept
	return deleted, nil
}

func (s *Memory) DropAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string][]bson.M)
	return nil
}

// --- normalization ---

func normalizeDoc(doc any) (bson.M, error) {
	data, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeDoc(doc bson.M, out any) error {
	data, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, out)
}

// normalizeValue runs a single value through bson so query literals compare
// equal to stored fields (time.Time vs primitive.DateTime etc).
func normalizeValue(v any) (any, error) {
	wrapped, err := normalizeDoc(bson.M{"v": v})
	if err != nil {
		return nil, err
	}
	return wrapped["v"], nil
}

// --- matching ---

type matcher struct {
	q bson.M
}

func newMatcher(q Query) (*matcher, error) {
	normalized := bson.M{}
	for k, v := range q {
		switch sub := v.(type) {
		case Query:
			m, err := newMatcher(sub)
			if err != nil {
				return nil, err
			}
			normalized[k] = m
		case map[string]any:
			m, err := newMatcher(Query(sub))
			if err != nil {
				return nil, err
			}
			normalized[k] = m
		default:
			nv, err := normalizeValue(v)
			if err != nil {
				return nil, err
			}
			normalized[k] = nv
		}
	}
	return &matcher{q: normalized}, nil
}

func (m *matcher) matches(doc bson.M) bool {
	for path, want := range m.q {
		if !matchPath(doc, strings.Split(path, "."), want) {
			return false
		}
	}
	return true
}

func matchPath(v any, path []string, want any) bool {
	if len(path) == 0 {
		return matchValue(v, want)
	}
	switch t := v.(type) {
	case bson.M:
		child, ok := t[path[0]]
		if !ok {
			// Absent field only matches an explicit nil.
			return len(path) == 1 && want == nil
		}
		return matchPath(child, path[1:], want)
	case primitive.A:
		for _, elem := range t {
			if matchPath(elem, path, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func matchValue(v, want any) bool {
	if sub, ok := want.(*matcher); ok {
		switch t := v.(type) {
		case bson.M:
			return sub.matches(t)
		case primitive.A:
			for _, elem := range t {
				if matchValue(elem, sub) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	if arr, ok := v.(primitive.A); ok {
		// Scalar queries match arrays elementwise, as on MongoDB.
		if wantArr, ok := want.(primitive.A); ok {
			return reflect.DeepEqual(arr, wantArr)
		}
		for _, elem := range arr {
			if matchValue(elem, want) {
				return true
			}
		}
		return false
	}
	if want == nil {
		return v == nil
	}
	if an, aok := asFloat(v); aok {
		if bn, bok := asFloat(want); bok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(v, want)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case primitive.DateTime:
		return float64(t), true
	case time.Time:
		return float64(primitive.NewDateTimeFromTime(t)), true
	default:
		return 0, false
	}
}

// --- update operators ---

func applyOps(doc bson.M, ops Ops) (bool, error) {
	changed := false
	for k, v := range ops.Set {
		nv, err := normalizeValue(v)
		if err != nil {
			return changed, err
		}
		if cur, ok := lookup(doc, k); !ok || !matchValue(cur, nv) {
			if err := setPath(doc, k, nv); err != nil {
				return changed, err
			}
			changed = true
		}
	}
	for k, v := range ops.Push {
		nv, err := normalizeValue(v)
		if err != nil {
			return changed, err
		}
		cur, _ := lookup(doc, k)
		arr, _ := cur.(primitive.A)
		arr = append(arr, nv)
		if err := setPath(doc, k, arr); err != nil {
			return changed, err
		}
		changed = true
	}
	for k, v := range ops.Pull {
		cur, ok := lookup(doc, k)
		if !ok {
			continue
		}
		arr, ok := cur.(primitive.A)
		if !ok {
			continue
		}
		var cond any
		switch sub := v.(type) {
		case Query:
			m, err := newMatcher(sub)
			if err != nil {
				return changed, err
			}
			cond = m
		case map[string]any:
			m, err := newMatcher(Query(sub))
			if err != nil {
				return changed, err
			}
			cond = m
		default:
			nv, err := normalizeValue(v)
			if err != nil {
				return changed, err
			}
			cond = nv
		}
		var kept primitive.A
		for _, elem := range arr {
			if matchValue(elem, cond) {
				changed = true
				continue
			}
			kept = append(kept, elem)
		}
		if err := setPath(doc, k, kept); err != nil {
			return changed, err
		}
	}
	for k, v := range ops.Inc {
		delta, ok := asFloat(v)
		if !ok {
			return changed, fmt.Errorf("docstore: $inc requires numeric value for %s", k)
		}
		cur, _ := lookup(doc, k)
		base, _ := asFloat(cur)
		if err := setPath(doc, k, int64(base+delta)); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

func lookup(doc bson.M, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(bson.M)
		if !ok {
			if pm, ok2 := cur.(primitive.M); ok2 {
				m = bson.M(pm)
			} else {
				return nil, false
			}
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc bson.M, path string, v any) error {
	parts := strings.Split(path, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p]
		if !ok {
			child := bson.M{}
			cur[p] = child
			cur = child
			continue
		}
		switch t := next.(type) {
		case bson.M:
			cur = t
		default:
			return fmt.Errorf("docstore: cannot set %s through non-document", path)
		}
	}
	cur[parts[len(parts)-1]] = v
	return nil
}
