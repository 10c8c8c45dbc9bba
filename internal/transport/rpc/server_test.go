package rpc

import (
	"context"
	"net/rpc"
	"net/rpc/jsonrpc"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/finassist/internal/config"
	"github.com/xiaot623/gogo/finassist/internal/domain"
	"github.com/xiaot623/gogo/finassist/internal/eventbus"
	"github.com/xiaot623/gogo/finassist/internal/plan"
	"github.com/xiaot623/gogo/finassist/internal/service"
	"github.com/xiaot623/gogo/finassist/internal/tools"
	"github.com/xiaot623/gogo/finassist/policy"
	"github.com/xiaot623/gogo/finassist/tests/helpers"
)

func startServer(t *testing.T) *rpc.Client {
	t.Helper()
	bus := eventbus.New()
	registry := tools.NewRegistry(tools.NewEmitter(bus))
	require.NoError(t, tools.RegisterBuiltins(registry, tools.Options{}))
	catalog, err := plan.NewDefaultCatalog()
	require.NoError(t, err)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	svc := service.New(service.Deps{
		Store:  helpers.NewTestSQLiteStore(t),
		Bus:    bus,
		Tools:  registry,
		Plans:  catalog,
		Policy: engine,
		Config: &config.Config{},
	})
	t.Cleanup(svc.Close)

	srv, err := NewServer(svc)
	require.NoError(t, err)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go srv.Serve()
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	client, err := jsonrpc.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRPC_CommandAndDecide(t *testing.T) {
	client := startServer(t)

	var cmd domain.CommandResponse
	require.NoError(t, client.Call("Finassist.Command", &domain.CommandRequest{Text: "send reminder to Globex"}, &cmd))
	require.Equal(t, domain.RunStatePendingApproval, cmd.Run.State)

	var ar domain.ActionResponse
	err := client.Call("Finassist.Decide", &DecisionArgs{RunID: cmd.Run.RunID, Decision: "maybe"}, &ar)
	assert.Error(t, err)

	require.NoError(t, client.Call("Finassist.Decide", &DecisionArgs{RunID: cmd.Run.RunID, Decision: "Approved"}, &ar))
	assert.True(t, ar.Applied)
	assert.Equal(t, domain.RunStateDone, ar.Run.State)

	var run domain.Run
	require.NoError(t, client.Call("Finassist.GetRun", &RunArgs{RunID: cmd.Run.RunID}, &run))
	assert.Equal(t, domain.RunStateDone, run.State)
}

func TestRPC_Errors(t *testing.T) {
	client := startServer(t)

	var cmd domain.CommandResponse
	assert.Error(t, client.Call("Finassist.Command", &domain.CommandRequest{Text: " "}, &cmd))

	var ar domain.ActionResponse
	err := client.Call("Finassist.Resume", &RunArgs{RunID: "run_missing"}, &ar)
	require.Error(t, err)
	assert.Contains(t, err.Error(), service.ErrRunNotFound.Error())

	var er domain.ExceptionActionResponse
	assert.Error(t, client.Call("Finassist.DismissException", &ExceptionArgs{ExceptionID: "exc_missing"}, &er))
}

func TestRPC_ExceptionResolution(t *testing.T) {
	client := startServer(t)

	var cmd domain.CommandResponse
	require.NoError(t, client.Call("Finassist.Command", &domain.CommandRequest{Text: "create invoice from doc-001"}, &cmd))
	require.Equal(t, domain.RunStatePausedException, cmd.Run.State)

	var list domain.ListExceptionsResponse
	require.NoError(t, client.Call("Finassist.ListExceptions", &RunArgs{RunID: cmd.Run.RunID}, &list))
	require.Len(t, list.Exceptions, 1)

	var er domain.ExceptionActionResponse
	require.NoError(t, client.Call("Finassist.AcceptException", &ExceptionArgs{ExceptionID: list.Exceptions[0].ID, Value: "Acme Corp"}, &er))
	assert.Equal(t, 0, er.Remaining)
	assert.True(t, er.Resumed)
	assert.Equal(t, domain.RunStatePendingApproval, er.Run.State)
	assert.Equal(t, "Acme Corp", er.Run.Corrections["Vendor Name"])
}
