/*
Package resilience provides a circuit breaker for outbound collaborators.

The gateway calls two services it does not own: the project metadata service
(working directory lookup) and the completion service. Both sit behind a
Breaker so a dead collaborator costs one fast ErrCircuitOpen instead of a
timeout per session creation or chat request.

# Usage

	breaker := resilience.New("projects", resilience.Settings{
		Timeout: 30 * time.Second,
	})

	path, err := resilience.Do(breaker, func() (string, error) {
		return lookup(ctx, projectID)
	})

	// Streams report their outcome when they end
	done, err := breaker.Allow()
	...
	done(streamErr)

Caller cancellation (context.Canceled) is not counted as a failure.
*/
package resilience
