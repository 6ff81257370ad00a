// Package fields provides atomic mutations of map- and array-valued columns.
// Every mutation re-reads the stored value inside the critical section before
// applying the change, so concurrent writers touching different keys of the
// same column never lose each other's updates.
package fields

import (
	"context"
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/lock"
	"github.com/mirkobrombin/go-ward/v1/metrics"
	"github.com/mirkobrombin/go-ward/v1/store"
	"github.com/mirkobrombin/go-ward/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-ward/v1/fields")

var columnRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const (
	defaultTTL             = 15 * time.Second
	defaultBlockingTimeout = 10 * time.Second
)

// Updater applies structured-field mutations to rows of T. *T must implement
// store.Resource.
type Updater[T any] struct {
	mutex           lock.Mutex
	store           *store.Store
	bus             syncbus.Bus
	resourceType    string
	ttl             time.Duration
	blockingTimeout time.Duration
}

// Option configures an Updater.
type Option func(o *options)

type options struct {
	bus             syncbus.Bus
	ttl             time.Duration
	blockingTimeout time.Duration
}

// WithBus sets the bus on which commits are announced.
func WithBus(b syncbus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithTTL sets the mutex TTL guarding each mutation.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithBlockingTimeout bounds how long a mutation waits for the mutex.
func WithBlockingTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.blockingTimeout = d
		}
	}
}

// New returns an Updater for rows of T.
func New[T any](mutex lock.Mutex, st *store.Store, opts ...Option) (*Updater[T], error) {
	var probe T
	res, ok := any(&probe).(store.Resource)
	if !ok {
		return nil, warderrors.Newf(warderrors.KindValidation,
			"%T does not implement store.Resource", &probe)
	}
	o := options{ttl: defaultTTL, blockingTimeout: defaultBlockingTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if st.Timeout() > o.ttl {
		return nil, warderrors.New(warderrors.KindValidation,
			"store timeout exceeds mutex ttl")
	}
	return &Updater[T]{
		mutex:           mutex,
		store:           st,
		bus:             o.bus,
		resourceType:    res.ResourceType(),
		ttl:             o.ttl,
		blockingTimeout: o.blockingTimeout,
	}, nil
}

// MergeField deep-merges updates into the map-valued column and returns the
// merged value.
func (u *Updater[T]) MergeField(ctx context.Context, id uint64, field string, updates map[string]any) (store.JSONMap, error) {
	if len(updates) == 0 {
		return nil, warderrors.New(warderrors.KindValidation, "empty update set")
	}
	if err := validateShape(updates); err != nil {
		return nil, err
	}
	var merged store.JSONMap
	err := u.mutate(ctx, id, field, "merge_field", func(raw any) (any, error) {
		cur, err := asMap(raw)
		if err != nil {
			return nil, err
		}
		merged = DeepMerge(cur, updates)
		return merged, nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// AppendToList appends item to the array stored in the column. With an empty
// arrayKey the column itself is the array; otherwise the column is a map and
// the array lives under arrayKey. A positive maxLen bounds the array,
// dropping the oldest entries first.
func (u *Updater[T]) AppendToList(ctx context.Context, id uint64, field, arrayKey string, item any, maxLen int) (store.JSONList, error) {
	if err := validateShape(item); err != nil {
		return nil, err
	}
	var result store.JSONList
	err := u.mutate(ctx, id, field, "append_to_list", func(raw any) (any, error) {
		if arrayKey == "" {
			cur, err := asList(raw)
			if err != nil {
				return nil, err
			}
			result = appendBounded(cur, item, maxLen)
			return result, nil
		}
		cur, err := asMap(raw)
		if err != nil {
			return nil, err
		}
		inner, _ := cur[arrayKey].([]any)
		result = appendBounded(inner, item, maxLen)
		out := deepCopy(cur)
		out[arrayKey] = []any(result)
		return store.JSONMap(out), nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// WithField hands fn a mutable copy of the map-valued column for multi-step
// transformations. The copy is written back, and the version bumped, when fn
// returns nil; any error aborts the transaction.
func (u *Updater[T]) WithField(ctx context.Context, id uint64, field string, fn func(map[string]any) error) (store.JSONMap, error) {
	var result store.JSONMap
	err := u.mutate(ctx, id, field, "with_field", func(raw any) (any, error) {
		cur, err := asMap(raw)
		if err != nil {
			return nil, err
		}
		scoped := deepCopy(cur)
		if err := fn(scoped); err != nil {
			return nil, err
		}
		if err := validateShape(scoped); err != nil {
			return nil, err
		}
		result = store.JSONMap(scoped)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// mutate runs transform under mutex + transaction + row lock. The raw value
// handed to transform is re-read after both locks are held; whatever the
// caller read earlier is never trusted.
func (u *Updater[T]) mutate(ctx context.Context, id uint64, field, op string, transform func(raw any) (any, error)) error {
	if !columnRe.MatchString(field) {
		return warderrors.Newf(warderrors.KindValidation, "invalid field name %q", field)
	}
	ctx, span := tracer.Start(ctx, "fields."+op, trace.WithAttributes(
		attribute.String("resource", u.resourceType),
		attribute.Int64("id", int64(id)),
		attribute.String("field", field),
	))
	defer span.End()

	key := lock.KeyFor(u.resourceType, id)
	lockStart := time.Now()
	h, err := u.mutex.Acquire(ctx, key, u.ttl, u.blockingTimeout)
	if err != nil {
		return err
	}
	metrics.LockWaitSeconds.Observe(time.Since(lockStart).Seconds())
	defer u.mutex.Release(context.WithoutCancel(ctx), h)

	txStart := time.Now()
	err = u.store.WithinTx(ctx, func(tx *gorm.DB) error {
		var cur T
		if err := u.store.LockForUpdate(tx, &cur, id); err != nil {
			return err
		}
		raw, err := structColumn(&cur, field)
		if err != nil {
			return err
		}
		next, err := transform(raw)
		if err != nil {
			return err
		}
		version := any(&cur).(store.Resource).CurrentVersion()
		return u.store.UpdateVersioned(tx, new(T), id, version, map[string]any{field: next})
	})
	metrics.TxDurationSeconds.Observe(time.Since(txStart).Seconds())
	if err != nil {
		return err
	}
	if u.bus != nil {
		_ = u.bus.Publish(context.WithoutCancel(ctx), "commit:"+key)
	}
	return nil
}

// structColumn resolves the struct field backing a column name.
func structColumn(model any, column string) (any, error) {
	v := reflect.ValueOf(model).Elem()
	t := v.Type()
	want := strings.ReplaceAll(column, "_", "")
	for i := 0; i < t.NumField(); i++ {
		if strings.EqualFold(t.Field(i).Name, want) {
			return v.Field(i).Interface(), nil
		}
	}
	return nil, warderrors.Newf(warderrors.KindValidation, "unknown field %q", column)
}

func asMap(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case store.JSONMap:
		if v == nil {
			return map[string]any{}, nil
		}
		return v, nil
	case map[string]any:
		return v, nil
	default:
		return nil, warderrors.Newf(warderrors.KindValidation, "field is not a map (got %T)", raw)
	}
}

func asList(raw any) ([]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case store.JSONList:
		return v, nil
	case []any:
		return v, nil
	default:
		return nil, warderrors.Newf(warderrors.KindValidation, "field is not an array (got %T)", raw)
	}
}

func appendBounded(cur []any, item any, maxLen int) store.JSONList {
	out := make([]any, 0, len(cur)+1)
	out = append(out, cur...)
	out = append(out, item)
	if maxLen > 0 && len(out) > maxLen {
		out = out[len(out)-maxLen:]
	}
	return store.JSONList(out)
}

func validateShape(v any) error {
	if _, err := json.Marshal(v); err != nil {
		return warderrors.Wrap(warderrors.KindValidation, err, "value is not JSON-serializable")
	}
	return nil
}
