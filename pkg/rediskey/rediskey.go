package rediskey

import "fmt"

// Colony keys (shared by every instance of the service)
const (
	ColonyPrefix    = "colony"
	SweepLockPrefix = "colony:sweep"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildSweepLockKey returns "colony:sweep:lock" or "colony:sweep:lock:{scope}".
func BuildSweepLockKey(scope string) string {
	if scope == "" {
		return NamespaceKey(SweepLockPrefix, "lock")
	}
	return NamespaceKey(SweepLockPrefix, "lock:"+scope)
}
