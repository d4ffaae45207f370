// Package channel routes method calls from a host application to the store.
//
// A call is a method name plus an untyped arguments object:
//
//	{"key": "token", "value": "abc123", "options": {"groupId": "g1", "accessibility": "passcode"}}
//
// Malformed arguments are rejected with an InvalidArgument error before any
// storage access. Storage failures are masked by default: they are logged
// and the caller receives the same null/empty result it would get for a
// missing entry.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/exp/jsonrpc2"

	"github.com/benaskins/coffer/internal/metrics"
	"github.com/benaskins/coffer/internal/securestore"
)

// Method names understood by the handler.
const (
	MethodWrite     = "write"
	MethodRead      = "read"
	MethodReadAll   = "readAll"
	MethodDelete    = "delete"
	MethodDeleteAll = "deleteAll"
	MethodMigrate   = "migrate"
)

// methodLabel bounds the metrics label set to the known methods.
func methodLabel(method string) string {
	switch method {
	case MethodWrite, MethodRead, MethodReadAll, MethodDelete, MethodDeleteAll, MethodMigrate:
		return method
	}
	return metrics.MethodUnknown
}

// Error codes. InvalidArgument reuses the JSON-RPC invalid params code.
const (
	CodeInvalidArgument int64 = -32602
	CodeMethodNotFound  int64 = -32601
	CodeInternal        int64 = -32603
	CodeStorageFailure  int64 = -32010
)

// Error is a call failure reported to the host.
type Error struct {
	Code    int64
	Name    string // "InvalidArgument" or "StorageFailure"
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func invalidArgument(err error) *Error {
	return &Error{Code: CodeInvalidArgument, Name: "InvalidArgument", Message: "Must provide arguments", Err: err}
}

func storageFailure(err error) *Error {
	return &Error{Code: CodeStorageFailure, Name: "StorageFailure", Message: err.Error(), Err: err}
}

// Code returns the JSON-RPC error code for err.
func Code(err error) int64 {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	if errors.Is(err, jsonrpc2.ErrMethodNotFound) {
		return CodeMethodNotFound
	}
	return CodeInternal
}

// Config controls handler behavior.
type Config struct {
	// Masked swallows storage failures, returning success-shaped results.
	Masked bool
	// LegacyService is the service migrate reads from. Empty selects
	// keychain.LegacyServiceName.
	LegacyService string
}

// Handler dispatches method calls to a securestore.Store.
type Handler struct {
	store         *securestore.Store
	legacyService string
	masked        atomic.Bool
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewHandler creates a handler. m may be nil.
func NewHandler(store *securestore.Store, cfg Config, m *metrics.Metrics) *Handler {
	h := &Handler{
		store:         store,
		legacyService: cfg.LegacyService,
		metrics:       m,
		logger:        slog.With("component", "channel"),
	}
	h.masked.Store(cfg.Masked)
	return h
}

// SetMasked switches storage error masking on or off.
func (h *Handler) SetMasked(masked bool) {
	h.masked.Store(masked)
}

// Masked reports whether storage errors are currently masked.
func (h *Handler) Masked() bool {
	return h.masked.Load()
}

// arguments is the call payload. Pointers distinguish absent from empty.
type arguments struct {
	Key     *string         `json:"key"`
	Value   *string         `json:"value"`
	Options json.RawMessage `json:"options"`
}

// options decodes the options object leniently: anything that is not a
// string-to-string object resolves to the defaults.
func (a *arguments) options() securestore.Options {
	var opts securestore.Options
	if a == nil || len(a.Options) == 0 {
		return opts
	}
	var raw map[string]*string
	if err := json.Unmarshal(a.Options, &raw); err != nil {
		return opts
	}
	if v := raw["groupId"]; v != nil {
		opts.GroupID = *v
	}
	if v := raw["accessibility"]; v != nil {
		opts.Accessibility = *v
	}
	return opts
}

func decodeArguments(params json.RawMessage) (*arguments, error) {
	if len(params) == 0 || string(params) == "null" {
		return nil, errors.New("missing arguments")
	}
	var args arguments
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, err
	}
	return &args, nil
}

// Handle implements the JSON-RPC handler contract.
func (h *Handler) Handle(ctx context.Context, req *jsonrpc2.Request) (interface{}, error) {
	start := time.Now()
	h.logger.DebugContext(ctx, "call", "method", req.Method)

	result, outcome, err := h.dispatch(req.Method, req.Params)
	h.metrics.Observe(methodLabel(req.Method), outcome, time.Since(start))
	return result, err
}

// Call dispatches a method with already-encoded arguments.
func (h *Handler) Call(ctx context.Context, method string, args any) (interface{}, error) {
	params, err := json.Marshal(args)
	if err != nil {
		return nil, invalidArgument(err)
	}
	return h.Handle(ctx, &jsonrpc2.Request{Method: method, Params: params})
}

func (h *Handler) dispatch(method string, params json.RawMessage) (interface{}, string, error) {
	switch method {
	case MethodWrite, MethodRead, MethodDelete, MethodReadAll, MethodDeleteAll:
	case MethodMigrate:
		// Arguments are optional for migrate.
		args, _ := decodeArguments(params)
		return h.migrate(args.options())
	default:
		h.logger.Error("method not found", "method", method)
		return nil, metrics.OutcomeNotFound, fmt.Errorf("%w: %s", jsonrpc2.ErrMethodNotFound, method)
	}

	args, err := decodeArguments(params)
	if err != nil {
		return nil, metrics.OutcomeInvalidArgument, invalidArgument(err)
	}
	handle := securestore.Resolve(args.options())

	switch method {
	case MethodWrite:
		if args.Key == nil || args.Value == nil {
			return nil, metrics.OutcomeInvalidArgument, invalidArgument(errors.New("key and value are required"))
		}
		err := h.store.Write(handle, *args.Key, *args.Value)
		return h.finish(method, handle, nil, err)

	case MethodRead:
		if args.Key == nil {
			return nil, metrics.OutcomeInvalidArgument, invalidArgument(errors.New("key is required"))
		}
		val, ok, err := h.store.Read(handle, *args.Key)
		var result interface{}
		if ok {
			result = val
		}
		return h.finish(method, handle, result, err)

	case MethodDelete:
		if args.Key == nil {
			return nil, metrics.OutcomeInvalidArgument, invalidArgument(errors.New("key is required"))
		}
		err := h.store.Delete(handle, *args.Key)
		return h.finish(method, handle, nil, err)

	case MethodReadAll:
		all, err := h.store.ReadAll(handle)
		return h.finish(method, handle, all, err)

	default: // MethodDeleteAll
		err := h.store.DeleteAll(handle)
		return h.finish(method, handle, nil, err)
	}
}

func (h *Handler) migrate(opts securestore.Options) (interface{}, string, error) {
	handle := securestore.Resolve(opts)
	src := securestore.LegacySource(h.legacyService, opts)
	n, err := h.store.Migrate(handle, src, true)
	if err == nil && n > 0 {
		h.logger.Info("migrated legacy entries",
			"count", n,
			"source", src.Service,
			"namespace", handle.Namespace())
	}
	return h.finish(MethodMigrate, handle, nil, err)
}

// finish applies the error policy to an operation's outcome.
func (h *Handler) finish(method string, handle securestore.Handle, result interface{}, err error) (interface{}, string, error) {
	if err == nil {
		return result, metrics.OutcomeOK, nil
	}
	if errors.Is(err, securestore.ErrInvalidArgument) {
		return nil, metrics.OutcomeInvalidArgument, invalidArgument(err)
	}
	if h.masked.Load() {
		h.logger.Warn("storage failure masked",
			"method", method,
			"namespace", handle.Namespace(),
			"error", err)
		return result, metrics.OutcomeMasked, nil
	}
	return nil, metrics.OutcomeStorageFailure, storageFailure(err)
}
