package infra

import "fmt"

// Каналы шины (request-reply)
const (
	SubjectAgentRegister    = "registry.agent.register"
	SubjectKBRegister       = "registry.kb.register"
	SubjectDirectoryQuery   = "directory.query"
	SubjectKBQuery          = "routing.kb_query"
	SubjectAgentInvoke      = "routing.agent_invoke"
	SubjectInvocationStatus = "routing.invocation.status"
	SubjectAuditQuery       = "audit.query"
	SubjectHealth           = "health"
	SubjectPolicyEvaluate   = "policy.evaluate"
)

// Каналы шины (fire-and-forget и broadcast)
const (
	SubjectCompletion       = "routing.completion"
	SubjectAgentHeartbeat   = "registry.agent.heartbeat"
	SubjectDirectoryUpdates = "directory.updates"
)

// AgentInvokeSubject: персональный почтовый ящик агента для входящих вызовов
func AgentInvokeSubject(identity string) string {
	return fmt.Sprintf("agent.%s.invoke", identity)
}

// AgentNotifySubject: персональный канал уведомлений агента (invocation_complete)
func AgentNotifySubject(identity string) string {
	return fmt.Sprintf("agent.%s.notifications", identity)
}
