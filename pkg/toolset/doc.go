// Package toolset groups tools into named sets that can be switched on and
// off while an agent runs.
//
// The registry is owned by the agent's step loop. Tools never mutate it
// directly: activate_toolset and deactivate_toolset ask the agent through
// Controller, and the agent applies the change once the current step has
// finished, so a change made during step N is visible from step N+1.
package toolset
