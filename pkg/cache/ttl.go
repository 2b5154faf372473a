package cache

import (
	"time"

	"github.com/miekg/dns"
)

// DefaultTTL is used for replies that carry no answer records
const DefaultTTL = 60 * time.Second

// TTLFromReply returns the caching lifetime for an upstream reply in seconds:
// the TTL of the first answer record, or def when the answer section is empty.
func TTLFromReply(reply *dns.Msg, def time.Duration) int64 {
	if reply == nil || len(reply.Answer) == 0 {
		return int64(def / time.Second)
	}
	return int64(reply.Answer[0].Header().Ttl)
}
