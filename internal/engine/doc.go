// Package engine coordinates the lifecycle of tracked executions. It
// reconciles three independent event sources against the execution store: the
// dispatch path that submits code to the external provider, the provider's
// asynchronous webhook callbacks, and client-driven polling for callers
// without a push channel.
package engine
