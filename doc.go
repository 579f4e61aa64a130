// Package steward is a multi-channel autonomous coding-agent dispatcher.
//
// External channels (a Matrix chat room, a GitHub issue webhook) deliver
// natural-language tasks. For each task the dispatcher provisions an
// isolated container sandbox, drives an LLM tool-calling loop over
// heterogeneous in-container coding CLIs, streams progress back to the
// originating channel, and persists enough state to survive restarts.
//
// The root package holds the orchestration substrate: protocol types, the
// Decider (tool-calling loop), the Dispatcher (tool name → sandbox effect),
// the TaskRunner (one FIFO worker per task id) and the Channel contract.
// Concrete collaborators live in subpackages: sandbox (podman lifecycle),
// provider/openaicompat (LLM transport), channel/matrix and channel/github
// (adapters), observer (OTEL instrumentation).
package steward
