package engine

import "errors"

var (
	// ErrNoUserMessage is returned when an iterative test has neither a
	// scripted user message nor an objective to synthesize one from.
	ErrNoUserMessage = errors.New("no_user_message")

	// ErrReplyMissing is returned when a channel answers without a usable reply.
	ErrReplyMissing = errors.New("reply_missing")

	// ErrWorkflowUnconfigured is returned when no channel can serve the
	// environment and no workflow delegate is set.
	ErrWorkflowUnconfigured = errors.New("workflow_unconfigured")

	// ErrChatFailed prefixes non-2xx responses from an HTTP chat target.
	ErrChatFailed = errors.New("http_chat_failed")

	// ErrStopped reports that a stop was requested. It aborts the current
	// test and the rest of the run.
	ErrStopped = errors.New("stopped")
)
