// Package infermux is an LLM inference gateway: callers invoke logical
// functions, and the gateway selects a serving variant by weighted sampling,
// executes it against the owning provider, and falls back through the
// remaining variants when attempts fail. Every inference, attempt, and
// feedback signal is recorded asynchronously to an analytical store.
//
// The Gateway type is the embeddable engine; internal/api wraps it in an
// HTTP surface and cmd/gateway runs it as a server.
//
//	cfg, err := config.LoadFromFile("config.yaml")
//	if err != nil { ... }
//	gw, err := infermux.New(cfg)
//	if err != nil { ... }
//	defer gw.Close(context.Background())
//
//	resp, err := gw.Inference(ctx, &types.InferenceRequest{
//		FunctionName: "summarize",
//		Input: types.Input{Messages: []types.Message{...}},
//	})
package infermux
