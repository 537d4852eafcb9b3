package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "fleet"
)

// Ключи кэша (L2)
const (
	RedisKeyCredentials = RedisNamespace + ":credentials:"
	RedisKeyEventDedup  = RedisNamespace + ":events:seen:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanTaskTrigger — запрос на внеочередную обработку очереди (payload: workspace id или "*").
	RedisChanTaskTrigger = RedisNamespace + ":tasks:trigger"
)

// CredentialKey — ключ кэша токена для workspace.
func CredentialKey(workspaceID string) string {
	return RedisKeyCredentials + workspaceID
}

// EventDedupKey — ключ дедупликации входящего события (team, user, ts).
func EventDedupKey(teamID, userID, ts string) string {
	return fmt.Sprintf("%s%s_%s_%s", RedisKeyEventDedup, teamID, userID, ts)
}
