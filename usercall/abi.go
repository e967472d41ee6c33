package usercall

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"io"
	"net/netip"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/enclave-net/errors"
	"github.com/wippyai/enclave-net/lifecycle"
	"github.com/wippyai/enclave-net/resource"
)

// ModuleName is the host module a guest imports usercalls from.
const ModuleName = "enclavenet_usercall_v0"

// Guest functions. i64 results are a handle when non-negative and
// -Code(kind) otherwise. i32 results are 0 or -Code(kind).
//
//	connect_v4(ip i32, port i32) i64   start a connect, returns an op handle
//	bind_v4(ip i32, port i32) i64      bind a listener, returns its fd
//	accept(fd i32) i64                 start an accept, returns an op handle
//	poll(op i32) i64                   fd once the op is ready
//	cancel(op i32) i32                 abandon an op
//	send(fd i32, ptr i32, len i32) i64 bytes written
//	recv(fd i32, ptr i32, len i32) i64 bytes read, 0 at end of stream
//	close(fd i32) i32
//
// IPv4 addresses are passed as a big-endian u32.

var kindCodes = map[errors.Kind]int32{
	errors.KindWouldBlock:        1,
	errors.KindOther:             2,
	errors.KindInvalidState:      3,
	errors.KindInvalidInput:      4,
	errors.KindAddressInUse:      5,
	errors.KindAddressNotAvail:   6,
	errors.KindConnectionRefused: 7,
	errors.KindConnectionReset:   8,
	errors.KindConnectionAborted: 9,
	errors.KindUnreachable:       10,
	errors.KindTimeout:           11,
	errors.KindAccessDenied:      12,
	errors.KindNameUnresolvable:  13,
	errors.KindNotConnected:      14,
	errors.KindClosed:            15,
	errors.KindBadHandle:         16,
	errors.KindCanceled:          17,
}

// Code returns the positive guest ABI code for kind. Unknown kinds map to
// the code of KindOther.
func Code(kind errors.Kind) int32 {
	if c, ok := kindCodes[kind]; ok {
		return c
	}
	return kindCodes[errors.KindOther]
}

// KindForCode is the inverse of Code.
func KindForCode(code int32) errors.Kind {
	if code < 0 {
		code = -code
	}
	for k, c := range kindCodes {
		if c == code {
			return k
		}
	}
	return errors.KindOther
}

type opState = lifecycle.State[netip.AddrPort, *Completion[Conn], Conn]

// guestOp is an in-flight guest usercall. done is set under mu by the poll
// that hands its result to the guest; later polls see a bad handle.
type guestOp struct {
	mu    sync.Mutex
	desc  netip.AddrPort
	state opState
	done  bool
}

// Release abandons the usercall if it is still pending.
func (g *guestOp) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.state.AsPending(); ok {
		(*c).Cancel()
	}
}

func errResult64(err error) uint64 {
	return api.EncodeI64(-int64(Code(errors.KindOf(err))))
}

func errResult32(err error) uint64 {
	return api.EncodeI32(-Code(errors.KindOf(err)))
}

// addrV4 decodes a guest address. The port arrives as an i32 and must fit
// in 16 bits.
func addrV4(phase errors.Phase, ip, port uint64) (netip.AddrPort, error) {
	p := api.DecodeU32(port)
	if p > 0xFFFF {
		return netip.AddrPort{}, errors.InvalidInput(phase, "port out of range")
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], api.DecodeU32(ip))
	return netip.AddrPortFrom(netip.AddrFrom4(b), uint16(p)), nil
}

type guestFunc struct {
	name    string
	fn      api.GoModuleFunc
	params  []api.ValueType
	results []api.ValueType
}

// Instantiate registers the usercall host module in rt.
func (h *Host) Instantiate(ctx context.Context, rt wazero.Runtime) (api.Module, error) {
	builder := rt.NewHostModuleBuilder(ModuleName)
	for _, f := range h.guestFuncs() {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(f.fn, f.params, f.results).
			Export(f.name)
	}
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseUsercall, errors.KindOther, err, "instantiate "+ModuleName)
	}
	return mod, nil
}

func (h *Host) guestFuncs() []guestFunc {
	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64
	return []guestFunc{
		{"connect_v4", h.guestConnect, []api.ValueType{i32, i32}, []api.ValueType{i64}},
		{"bind_v4", h.guestBind, []api.ValueType{i32, i32}, []api.ValueType{i64}},
		{"accept", h.guestAccept, []api.ValueType{i32}, []api.ValueType{i64}},
		{"poll", h.guestPoll, []api.ValueType{i32}, []api.ValueType{i64}},
		{"cancel", h.guestCancel, []api.ValueType{i32}, []api.ValueType{i32}},
		{"send", h.guestSend, []api.ValueType{i32, i32, i32}, []api.ValueType{i64}},
		{"recv", h.guestRecv, []api.ValueType{i32, i32, i32}, []api.ValueType{i64}},
		{"close", h.guestClose, []api.ValueType{i32}, []api.ValueType{i32}},
	}
}

// startOp stores a pending completion as a guest op handle.
func (h *Host) startOp(desc netip.AddrPort, c *Completion[Conn]) uint64 {
	g := &guestOp{desc: desc, state: lifecycle.New[netip.AddrPort, *Completion[Conn], Conn](desc)}
	if err := g.state.Start(c); err != nil {
		c.Cancel()
		return errResult64(err)
	}
	handle, err := h.ops.Insert(g)
	if err != nil {
		c.Cancel()
		return errResult64(errors.Closed(errors.PhaseUsercall, "usercall host"))
	}
	return uint64(handle)
}

func (h *Host) guestConnect(ctx context.Context, _ api.Module, stack []uint64) {
	ap, err := addrV4(errors.PhaseConnect, stack[0], stack[1])
	if err != nil {
		stack[0] = errResult64(err)
		return
	}
	c, err := h.ConnectStream(context.WithoutCancel(ctx), ap.String())
	if err != nil {
		stack[0] = errResult64(err)
		return
	}
	stack[0] = h.startOp(ap, c)
}

func (h *Host) guestBind(ctx context.Context, _ api.Module, stack []uint64) {
	ap, err := addrV4(errors.PhaseBind, stack[0], stack[1])
	if err != nil {
		stack[0] = errResult64(err)
		return
	}
	l, err := h.BindStream(ctx, ap.String())
	if err != nil {
		stack[0] = errResult64(err)
		return
	}
	stack[0] = uint64(l.Fd)
}

func (h *Host) guestAccept(ctx context.Context, _ api.Module, stack []uint64) {
	fd := Fd(api.DecodeU32(stack[0]))
	c, err := h.AcceptStream(context.WithoutCancel(ctx), fd)
	if err != nil {
		stack[0] = errResult64(err)
		return
	}
	local, _ := h.LocalAddr(fd)
	stack[0] = h.startOp(local, c)
}

func (h *Host) guestPoll(_ context.Context, _ api.Module, stack []uint64) {
	handle := resource.Handle(api.DecodeU32(stack[0]))
	g, ok := h.ops.Get(handle)
	if !ok {
		stack[0] = errResult64(errors.BadHandle(errors.PhasePoll, uint32(handle)))
		return
	}

	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		stack[0] = errResult64(errors.BadHandle(errors.PhasePoll, uint32(handle)))
		return
	}
	if c, ok := g.state.AsPending(); ok {
		conn, err := (*c).Poll()
		if errors.IsKind(err, errors.KindWouldBlock) {
			g.mu.Unlock()
			stack[0] = errResult64(err)
			return
		}
		_ = g.state.Resolve(conn, err)
	}
	conn, ready := g.state.AsReady()
	err := g.state.TakeError(lifecycle.New[netip.AddrPort, *Completion[Conn], Conn](g.desc))
	phase := g.state.String()
	g.done = true
	g.mu.Unlock()

	// the op is finished either way; its result now belongs to the guest
	h.ops.Remove(handle)

	if ready {
		stack[0] = uint64(conn.Fd)
		return
	}
	if err == nil {
		err = errors.InvalidState(errors.PhasePoll, "poll", phase)
	}
	stack[0] = errResult64(err)
}

func (h *Host) guestCancel(_ context.Context, _ api.Module, stack []uint64) {
	handle := resource.Handle(api.DecodeU32(stack[0]))
	if _, ok := h.ops.Remove(handle); !ok {
		stack[0] = errResult32(errors.BadHandle(errors.PhaseUsercall, uint32(handle)))
		return
	}
	stack[0] = 0
}

func guestBuffer(mod api.Module, ptr, length uint64) ([]byte, error) {
	mem := mod.Memory()
	if mem == nil {
		return nil, errors.InvalidInput(errors.PhaseIO, "guest has no memory")
	}
	buf, ok := mem.Read(api.DecodeU32(ptr), api.DecodeU32(length))
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseIO, "buffer out of range")
	}
	return buf, nil
}

func (h *Host) guestSend(_ context.Context, mod api.Module, stack []uint64) {
	buf, err := guestBuffer(mod, stack[1], stack[2])
	if err != nil {
		stack[0] = errResult64(err)
		return
	}
	n, err := h.Write(Fd(api.DecodeU32(stack[0])), buf)
	if err != nil && n == 0 {
		stack[0] = errResult64(err)
		return
	}
	stack[0] = api.EncodeI64(int64(n))
}

func (h *Host) guestRecv(_ context.Context, mod api.Module, stack []uint64) {
	buf, err := guestBuffer(mod, stack[1], stack[2])
	if err != nil {
		stack[0] = errResult64(err)
		return
	}
	n, err := h.Read(Fd(api.DecodeU32(stack[0])), buf)
	if err != nil && n == 0 && !stderrors.Is(err, io.EOF) {
		stack[0] = errResult64(err)
		return
	}
	stack[0] = api.EncodeI64(int64(n))
}

func (h *Host) guestClose(_ context.Context, _ api.Module, stack []uint64) {
	if err := h.CloseSocket(Fd(api.DecodeU32(stack[0]))); err != nil {
		stack[0] = errResult32(err)
		return
	}
	stack[0] = 0
}
