package cache

import "fmt"

func RateLimitKey(client string) string {
	return fmt.Sprintf("reconhub:ratelimit:%s", client)
}
