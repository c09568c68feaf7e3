// Package rpc implements request/response calls between nodes on top of
// network channels.
//
// Handlers are registered explicitly per (contract, method, argument shape)
// through the typed helpers, so no reflection is involved at call time:
//
//	rpc.Register1(engine.Handlers(), "ServiceTaskProvider", "serviceTask",
//		func(ctx context.Context, name string) (*domain.ServiceTask, error) { ... })
//
//	sender := rpc.NewSender(engine, "ServiceTaskProvider")
//	task, err := rpc.FireSync[*domain.ServiceTask](ctx, sender.Invoke("serviceTask", rpc.Arg(name)), ch)
//
// Requests travel on network.ChannelRPCRequest with the correlation id in
// the packet's unique id; responses come back on network.ChannelRPCResponse.
// A remote failure surfaces as domain.ErrRemoteInvocation wrapping the
// remote error code when it has one.
package rpc
