// Package chat bridges terminal sessions to a streaming completion service.
//
// Each session carries an agent configuration (agent, provider, model). A
// chat request resolves its effective configuration as per-call override,
// then the stored session config, then the agent defaults table, and returns
// a lazy Stream of text chunks. Nothing is sent to the provider until the
// first call to Next.
//
// Example Usage:
//
//	stream := bridge.HandleChat(ctx, sessionID, "why did make fail?", chat.AgentConfig{})
//	defer stream.Close()
//	for stream.Next() {
//		send(stream.Text())
//	}
//	if err := stream.Err(); err != nil {
//		// errors.Is(err, chat.ErrProvider)
//	}
package chat
