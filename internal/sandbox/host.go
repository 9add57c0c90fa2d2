package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/roach88/vigil/internal/abi"
	"github.com/roach88/vigil/internal/incident"
	"github.com/roach88/vigil/internal/ir"
	"github.com/roach88/vigil/internal/query"
)

const hostModule = ir.HostModuleName

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// linkHost instantiates the "vigil" host module bound to this run.
func (st *run) linkHost(ctx context.Context, wr wazero.Runtime) error {
	_, err := wr.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(st.query), []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("q_ptr", "q_len", "out_ptr", "out_cap").
		Export("query").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(st.report), []api.ValueType{i64, i32, i32, i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("block", "tx_ptr", "tx_len", "severity", "msg_ptr", "msg_len").
		Export("report").
		Instantiate(ctx)
	return err
}

// enter counts a host call and aborts the run past the ceiling.
func (st *run) enter(ctx context.Context, mod api.Module) {
	st.usage.HostCalls++
	if ceiling := st.budget.MaxHostCalls; ceiling > 0 && st.usage.HostCalls > ceiling {
		st.abort(ctx, mod, ir.StatusTimedOut, fmt.Sprintf("host call ceiling of %d exceeded", ceiling), nil)
	}
}

// read copies n bytes of guest memory at ptr.
func read(mod api.Module, ptr, n uint32) ([]byte, bool) {
	if n == 0 {
		return nil, true
	}
	view, ok := mod.Memory().Read(ptr, n)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), view...), true
}

// query(q_ptr, q_len, out_ptr, out_cap) -> i32
func (st *run) query(ctx context.Context, mod api.Module, stack []uint64) {
	stack[0] = api.EncodeI32(st.doQuery(ctx, mod,
		api.DecodeU32(stack[0]), api.DecodeU32(stack[1]),
		api.DecodeU32(stack[2]), api.DecodeI32(stack[3])))
}

func (st *run) doQuery(ctx context.Context, mod api.Module, qPtr, qLen, outPtr uint32, outCap int32) int32 {
	st.enter(ctx, mod)
	st.usage.Queries++

	text, ok := read(mod, qPtr, qLen)
	if !ok || outCap < 0 {
		st.usage.QueryErrors++
		return BadArgument
	}

	// Host calls complete even if the run deadline passes meanwhile.
	hostCtx := context.WithoutCancel(ctx)
	result, err := st.runtime.querier.Execute(hostCtx, string(text), query.Scope{
		Address: st.job.Instance.Address,
		Window:  st.job.Window,
	})
	if err != nil {
		qe, ok := query.AsError(err)
		if !ok || qe.Kind == query.KindUnavailable {
			st.abort(ctx, mod, ir.StatusQueryError, fmt.Sprintf("query: %v", err), err)
		}
		st.usage.QueryErrors++
		return queryCode(qe.Kind)
	}

	buf, err := abi.Encode(result)
	if err != nil {
		st.abort(ctx, mod, ir.StatusQueryError, fmt.Sprintf("encode result: %v", err), err)
	}
	if len(buf) > int(outCap) {
		st.usage.QueryErrors++
		return QueryTooLarge
	}
	if !mod.Memory().Write(outPtr, buf) {
		st.usage.QueryErrors++
		return BadArgument
	}
	st.usage.RowsReturned += result.RowCount()
	return int32(len(buf))
}

// report(block, tx_ptr, tx_len, severity, msg_ptr, msg_len) -> i32
func (st *run) report(ctx context.Context, mod api.Module, stack []uint64) {
	stack[0] = api.EncodeI32(st.doReport(ctx, mod,
		int64(stack[0]),
		api.DecodeU32(stack[1]), api.DecodeU32(stack[2]),
		api.DecodeI32(stack[3]),
		api.DecodeU32(stack[4]), api.DecodeU32(stack[5])))
}

func (st *run) doReport(ctx context.Context, mod api.Module, block int64, txPtr, txLen uint32, severity int32, msgPtr, msgLen uint32) int32 {
	st.enter(ctx, mod)
	st.usage.Reports++

	tx, ok := read(mod, txPtr, txLen)
	if !ok {
		return BadArgument
	}
	msg, ok := read(mod, msgPtr, msgLen)
	if !ok {
		return BadArgument
	}
	sev, ok := ir.SeverityFromCode(severity)
	if !ok || block < 0 {
		return ReportInvalid
	}

	hostCtx := context.WithoutCancel(ctx)
	outcome, err := st.runtime.reporter.Report(hostCtx, st.job.Instance.ID, st.job.Window, st.execID, ir.IncidentDraft{
		BlockNumber:     uint64(block),
		TransactionHash: string(tx),
		Severity:        sev,
		Message:         string(msg),
	})
	if incident.IsInvalid(err) {
		st.runtime.logger.Debug("incident rejected",
			"instance_id", st.job.Instance.ID,
			"execution_id", st.execID,
			"error", err,
		)
		return ReportInvalid
	}
	if err != nil {
		// Host-side failure: the window is retried like a data-source outage.
		st.abort(ctx, mod, ir.StatusQueryError, fmt.Sprintf("report: %v", err), err)
	}

	if outcome == incident.OutcomeDeduplicated {
		st.usage.Deduplicated++
		return ReportDeduplicated
	}
	st.usage.Accepted++
	return ReportAccepted
}
