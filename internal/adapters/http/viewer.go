package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	viewerKey    = "viewer_id"
	newViewerKey = "viewer_new"
	// limiters unused for this long are dropped
	limiterIdle = 10 * time.Minute
)

// ViewerMiddleware tags every panel visitor with a stable id kept in the
// cookie session. The id only shows up in logs.
func ViewerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		id, _ := session.Get(viewerKey).(string)
		if id == "" {
			id = uuid.NewString()
			c.Set(newViewerKey, true)
			session.Set(viewerKey, id)
			if err := session.Save(); err != nil {
				log.Warn().Str("module", "adapters.http").Err(err).Msg("session not saved")
			}
		}
		c.Set(viewerKey, id)
		c.Next()
	}
}

type viewerEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// viewerLimiter throttles mutating panel calls per viewer. Requests that
// arrive without a session cookie share one limiter per client address.
type viewerLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*viewerEntry
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

func newViewerLimiter(perSecond float64, burst int) *viewerLimiter {
	l := rate.Inf
	if perSecond > 0 {
		l = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &viewerLimiter{limiters: make(map[string]*viewerEntry), limit: l, burst: burst, now: time.Now}
}

func (vl *viewerLimiter) allow(key string) bool {
	vl.mu.Lock()
	now := vl.now()
	if now.Sub(vl.lastSweep) >= time.Minute {
		vl.sweepLocked(now)
	}
	e, ok := vl.limiters[key]
	if !ok {
		e = &viewerEntry{lim: rate.NewLimiter(vl.limit, vl.burst)}
		vl.limiters[key] = e
	}
	e.lastSeen = now
	vl.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

func (vl *viewerLimiter) sweepLocked(now time.Time) {
	vl.lastSweep = now
	for key, e := range vl.limiters {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(vl.limiters, key)
		}
	}
}

func (vl *viewerLimiter) size() int {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	return len(vl.limiters)
}

func limiterKey(c *gin.Context) string {
	if c.GetBool(newViewerKey) {
		return "addr:" + c.ClientIP()
	}
	return "viewer:" + c.GetString(viewerKey)
}

func (vl *viewerLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !vl.allow(limiterKey(c)) {
			log.Warn().Str("module", "adapters.http").Str("viewer", c.GetString(viewerKey)).
				Str("path", c.FullPath()).Msg("rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
