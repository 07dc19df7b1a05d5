package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	configpkg "github.com/drblury/cfxflow/internal/runtime/config"
	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	"github.com/drblury/cfxflow/internal/runtime/handlers"
	"github.com/drblury/cfxflow/internal/runtime/host"
	idspkg "github.com/drblury/cfxflow/internal/runtime/ids"
	"github.com/drblury/cfxflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

// ResponseSuffix is appended to the method name to form the event carrying
// responses.
const ResponseSuffix = "_response"

// RpcCall is the request sent over the bus.
type RpcCall struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
	// Timestamp is in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// RpcErrorPayload is the error part of a failed RpcResponse.
type RpcErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// RpcResponse answers exactly one RpcCall with the same id.
type RpcResponse struct {
	ID        string           `json:"id"`
	Success   bool             `json:"success"`
	Result    any              `json:"result,omitempty"`
	Error     *RpcErrorPayload `json:"error,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// RpcMethodInfo describes a registered RPC method.
type RpcMethodInfo struct {
	Name       string        `json:"name"`
	Provider   string        `json:"provider"`
	Method     string        `json:"method"`
	Timeout    time.Duration `json:"timeout_ns"`
	Retries    int           `json:"retries"`
	Middleware []string      `json:"middleware,omitempty"`
}

type rpcMethod struct {
	md       metadata.RpcMetadata
	provider metadata.Provider
	handler  handlers.HandlerFunc
	listener host.ListenerID
}

func (m *rpcMethod) info() RpcMethodInfo {
	return RpcMethodInfo{
		Name:       m.md.Name,
		Provider:   metadata.ProviderName(m.provider),
		Method:     m.md.MethodName,
		Timeout:    m.md.Options.Timeout,
		Retries:    m.md.Options.Retries,
		Middleware: append([]string(nil), m.md.Options.Middleware...),
	}
}

type callResult struct {
	value any
	err   error
}

type pendingCall struct {
	method string
	done   chan callResult
}

// CallOption customises a single Call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	target  string
	retries int
	retry   bool
}

// WithCallTimeout overrides the method and default timeouts for one call.
func WithCallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithTarget addresses the client a server-side call is sent to.
func WithTarget(clientID string) CallOption {
	return func(o *callOptions) { o.target = clientID }
}

// WithCallRetries overrides how many times a timed out call is re-sent.
func WithCallRetries(n int) CallOption {
	return func(o *callOptions) { o.retries, o.retry = n, true }
}

// RpcLoader serves provider methods as remote procedures and correlates
// outgoing calls with their responses by call id.
type RpcLoader struct {
	env    *Env
	logger loggingpkg.ServiceLogger

	mu      sync.Mutex
	loaded  map[metadata.Provider]struct{}
	methods map[string]*rpcMethod
	order   []string
	pending map[string]*pendingCall
}

func NewRpcLoader(env *Env) *RpcLoader {
	return &RpcLoader{
		env:     env,
		logger:  env.Logger.With(loggingpkg.LogFields{"component": "rpc"}),
		loaded:  make(map[metadata.Provider]struct{}),
		methods: make(map[string]*rpcMethod),
		pending: make(map[string]*pendingCall),
	}
}

// Load registers one networked bus listener per RPC declaration of p. A name
// already registered by another method keeps its first registration.
func (l *RpcLoader) Load(p metadata.Provider) error {
	if p == nil {
		return errspkg.ErrProviderRequired
	}
	name := metadata.ProviderName(p)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.loaded[p]; ok {
		l.logger.Debug("[rpc] Provider already loaded", loggingpkg.LogFields{"provider": name})
		return nil
	}

	reg := l.env.Catalog.Describe(p)
	var errs []error
	for _, entry := range reg.MethodMetadata(metadata.KindRpc) {
		handler, ok := reg.Handler(entry.Method)
		if !ok {
			l.logger.Error("[rpc] Missing handler", errspkg.ErrHandlerRequired, loggingpkg.LogFields{"provider": name, "method": entry.Method})
			continue
		}
		for _, raw := range entry.Metadata {
			md, ok := raw.(metadata.RpcMetadata)
			if !ok {
				continue
			}
			if _, exists := l.methods[md.Name]; exists {
				l.logger.Error("[rpc] Duplicate RPC method", fmt.Errorf("RPC method '%s' already exists", md.Name), loggingpkg.LogFields{"provider": name, "method": entry.Method})
				continue
			}

			m := &rpcMethod{md: md, provider: p, handler: l.chainFor(md).Wrap(md, handler)}
			id, err := l.env.Bus.AddEventListener(md.Name, l.serve(m), true)
			if err != nil {
				err = fmt.Errorf("rpc %s on %s.%s: %w", md.Name, name, entry.Method, err)
				l.logger.Error("[rpc] Failed to register method", err, nil)
				errs = append(errs, err)
				continue
			}
			m.listener = id
			l.methods[md.Name] = m
			l.order = append(l.order, md.Name)
			l.logger.Debug("[rpc] Registered RPC method", loggingpkg.LogFields{"rpc": md.Name, "provider": name})
		}
	}
	l.loaded[p] = struct{}{}
	return errors.Join(errs...)
}

func (l *RpcLoader) chainFor(md metadata.RpcMetadata) Chain {
	chain := l.env.Chain(metadata.KindRpc)
	for _, mwName := range md.Options.Middleware {
		mw, ok := l.env.NamedMiddleware(mwName)
		if !ok {
			l.logger.Warn("[rpc] Unknown middleware", loggingpkg.LogFields{"rpc": md.Name, "middleware": mwName})
			continue
		}
		chain = chain.With(mw)
	}
	return chain
}

func (l *RpcLoader) serve(m *rpcMethod) handlers.HandlerFunc {
	return func(ctx context.Context, args ...any) (any, error) {
		if len(args) == 0 {
			l.logger.Error("[rpc] Received call without payload", errspkg.ErrValidation, loggingpkg.LogFields{"rpc": m.md.Name})
			return nil, nil
		}
		call, err := decodeCall(args[0])
		if err != nil {
			l.logger.Error(fmt.Sprintf("[rpc] RPC Error in %s", m.md.Name), err, nil)
			return nil, nil
		}

		response := l.execute(ctx, m, call)
		source, _ := handlers.SourceFrom(ctx)
		if err := l.respond(ctx, m.md.Name, source, response); err != nil {
			l.logger.Error(fmt.Sprintf("[rpc] RPC Error in %s", m.md.Name), err, loggingpkg.LogFields{"call_id": call.ID})
		}
		return nil, nil
	}
}

func (l *RpcLoader) execute(ctx context.Context, m *rpcMethod, call RpcCall) RpcResponse {
	response := RpcResponse{ID: call.ID}

	result, err := func() (any, error) {
		if validate := m.md.Options.Validator; validate != nil && !validate(call.Params) {
			return nil, errspkg.NewRpcValidationError(m.md.Name, call.Params)
		}
		result, err := m.handler(ctx, call.Params...)
		if err != nil {
			return nil, err
		}
		if serialize := m.md.Options.Serializer; serialize != nil {
			return serialize(result)
		}
		return result, nil
	}()

	response.Timestamp = time.Now().UnixMilli()
	if err != nil {
		response.Error = errorPayload(err)
		return response
	}
	response.Success = true
	response.Result = result
	return response
}

func errorPayload(err error) *RpcErrorPayload {
	var rpcErr *errspkg.RpcError
	if errors.As(err, &rpcErr) {
		return &RpcErrorPayload{Code: rpcErr.Code, Message: rpcErr.Message, Details: rpcErr.Details}
	}
	return &RpcErrorPayload{Code: errspkg.CodeInternal, Message: err.Error()}
}

func (l *RpcLoader) respond(ctx context.Context, method, source string, response RpcResponse) error {
	event := method + ResponseSuffix
	if l.env.IsServer() {
		if source == "" {
			return fmt.Errorf("cannot answer call %s: %w", response.ID, errspkg.ErrTargetRequired)
		}
		return l.env.Bus.TriggerClientEvent(ctx, event, source, response)
	}
	return l.env.Bus.TriggerServerEvent(ctx, event, response)
}

func decodeCall(raw any) (RpcCall, error) {
	var call RpcCall
	switch v := raw.(type) {
	case RpcCall:
		call = v
	case *RpcCall:
		if v == nil {
			return call, errors.New("rpc call is nil")
		}
		call = *v
	case string:
		if err := jsoncodec.UnmarshalFromString(v, &call); err != nil {
			return call, fmt.Errorf("decode rpc call: %w", err)
		}
	case []byte:
		if err := jsoncodec.Unmarshal(v, &call); err != nil {
			return call, fmt.Errorf("decode rpc call: %w", err)
		}
	default:
		decoded, err := handlers.Decode[RpcCall](v)
		if err != nil {
			return call, fmt.Errorf("decode rpc call: %w", err)
		}
		call = decoded
	}
	if call.ID == "" {
		return call, errors.New("rpc call without id")
	}
	if call.Params == nil {
		call.Params = []any{}
	}
	return call, nil
}

// Call invokes method on the other side and waits for its result. On the
// server the target client must be given with WithTarget. Timed out calls
// are re-sent as often as the method's retry option allows.
func (l *RpcLoader) Call(ctx context.Context, method string, params []any, opts ...CallOption) (any, error) {
	l.mu.Lock()
	m, ok := l.methods[method]
	l.mu.Unlock()
	if !ok {
		return nil, errspkg.NewRpcError(errspkg.CodeMethodNotFound, fmt.Sprintf("RPC method '%s' not found", method), nil)
	}

	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if l.env.IsServer() && o.target == "" {
		return nil, errspkg.ErrTargetRequired
	}

	timeout := o.timeout
	if timeout <= 0 {
		timeout = m.md.Options.Timeout
	}
	if timeout <= 0 && l.env.Config != nil {
		timeout = l.env.Config.RpcTimeout
	}
	if timeout <= 0 {
		timeout = configpkg.DefaultRpcTimeout
	}
	retries := m.md.Options.Retries
	if o.retry {
		retries = o.retries
	}
	if params == nil {
		params = []any{}
	}

	for attempt := 0; ; attempt++ {
		result, err := l.callOnce(ctx, m, params, o.target, timeout)
		if err != nil && errors.Is(err, errspkg.ErrTimeout) && attempt < retries && ctx.Err() == nil {
			l.logger.Debug("[rpc] Call timed out, retrying", loggingpkg.LogFields{"rpc": method, "attempt": attempt + 1})
			continue
		}
		return result, err
	}
}

func (l *RpcLoader) callOnce(ctx context.Context, m *rpcMethod, params []any, target string, timeout time.Duration) (any, error) {
	method := m.md.Name
	call := RpcCall{ID: idspkg.NewCallID(), Method: method, Params: params, Timestamp: time.Now().UnixMilli()}
	payload, err := jsoncodec.MarshalToString(call)
	if err != nil {
		return nil, fmt.Errorf("encode rpc call %s: %w", method, err)
	}

	pc := &pendingCall{method: method, done: make(chan callResult, 1)}
	l.mu.Lock()
	l.pending[call.ID] = pc
	l.mu.Unlock()
	l.reportPending()

	listener, err := l.env.Bus.AddEventListener(method+ResponseSuffix, func(_ context.Context, args ...any) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		response, err := handlers.Decode[RpcResponse](args[0])
		if err != nil || response.ID != call.ID {
			return nil, nil
		}
		l.complete(m, response)
		return nil, nil
	}, true)
	if err != nil {
		l.dropPending(call.ID)
		return nil, fmt.Errorf("listen for %s responses: %w", method, err)
	}
	defer func() {
		_ = l.env.Bus.RemoveEventListener(method+ResponseSuffix, listener)
	}()

	if l.env.IsServer() {
		err = l.env.Bus.TriggerClientEvent(ctx, method, target, payload)
	} else {
		err = l.env.Bus.TriggerServerEvent(ctx, method, payload)
	}
	if err != nil {
		l.dropPending(call.ID)
		return nil, fmt.Errorf("send rpc call %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.done:
		return res.value, res.err
	case <-timer.C:
		if l.dropPending(call.ID) {
			return nil, errspkg.NewRpcTimeoutError(method, timeout)
		}
	case <-ctx.Done():
		if l.dropPending(call.ID) {
			return nil, ctx.Err()
		}
	}
	res := <-pc.done
	return res.value, res.err
}

// complete resolves a pending call. Responses for ids that are no longer
// pending are ignored.
func (l *RpcLoader) complete(m *rpcMethod, response RpcResponse) {
	l.mu.Lock()
	pc, ok := l.pending[response.ID]
	delete(l.pending, response.ID)
	l.mu.Unlock()
	if !ok {
		return
	}
	l.reportPending()

	if !response.Success {
		code, message := errspkg.CodeUnknown, "Unknown error occurred"
		var details any
		if response.Error != nil {
			if response.Error.Code != "" {
				code = response.Error.Code
			}
			if response.Error.Message != "" {
				message = response.Error.Message
			}
			details = response.Error.Details
		}
		pc.done <- callResult{err: errspkg.NewRpcError(code, message, details)}
		return
	}

	result := response.Result
	if deserialize := m.md.Options.Deserializer; deserialize != nil {
		decoded, err := deserialize(result)
		if err != nil {
			pc.done <- callResult{err: fmt.Errorf("deserialize %s result: %w", m.md.Name, err)}
			return
		}
		result = decoded
	}
	pc.done <- callResult{value: result}
}

func (l *RpcLoader) dropPending(id string) bool {
	l.mu.Lock()
	_, ok := l.pending[id]
	delete(l.pending, id)
	l.mu.Unlock()
	if ok {
		l.reportPending()
	}
	return ok
}

func (l *RpcLoader) reportPending() {
	l.env.Metrics.SetPendingCalls(l.PendingCalls())
}

// Unload removes the methods of p. A nil provider also rejects every pending
// call with a shutdown error.
func (l *RpcLoader) Unload(p metadata.Provider) {
	l.mu.Lock()
	var rejected []*pendingCall
	if p == nil {
		for _, pc := range l.pending {
			rejected = append(rejected, pc)
		}
		l.pending = make(map[string]*pendingCall)
	}

	kept := l.order[:0:0]
	for _, name := range l.order {
		m := l.methods[name]
		if p != nil && m.provider != p {
			kept = append(kept, name)
			continue
		}
		if err := l.env.Bus.RemoveEventListener(name, m.listener); err != nil {
			l.logger.Debug("[rpc] Listener already removed", loggingpkg.LogFields{"rpc": name, "error": err.Error()})
		}
		delete(l.methods, name)
	}
	l.order = kept
	if p == nil {
		l.loaded = make(map[metadata.Provider]struct{})
	} else {
		delete(l.loaded, p)
	}
	l.mu.Unlock()

	for _, pc := range rejected {
		pc.done <- callResult{err: errspkg.NewRpcShutdownError()}
	}
	if p == nil {
		l.reportPending()
		l.logger.Debug("[rpc] RPC Loader unloaded", loggingpkg.LogFields{"rejected_calls": len(rejected)})
	}
}

// RegisteredMethods lists the registered RPC names, sorted.
func (l *RpcLoader) RegisteredMethods() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := append([]string(nil), l.order...)
	sort.Strings(names)
	return names
}

func (l *RpcLoader) MethodInfo(name string) (RpcMethodInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.methods[name]
	if !ok {
		return RpcMethodInfo{}, false
	}
	return m.info(), true
}

// Methods describes every registered method in registration order.
func (l *RpcLoader) Methods() []RpcMethodInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RpcMethodInfo, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.methods[name].info())
	}
	return out
}

// PendingCalls returns how many outgoing calls await a response.
func (l *RpcLoader) PendingCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *RpcLoader) IsProviderLoaded(p metadata.Provider) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[p]
	return ok
}

// CallAs calls method and decodes the result into T.
func CallAs[T any](ctx context.Context, l *RpcLoader, method string, params []any, opts ...CallOption) (T, error) {
	var zero T
	result, err := l.Call(ctx, method, params, opts...)
	if err != nil {
		return zero, err
	}
	return handlers.Decode[T](result)
}
