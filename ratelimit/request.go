package ratelimit

// Request carries exactly the request fields the admission engine consumes.
// The boundary layer populates it; the engine never reaches back into the
// transport-level request object.
type Request struct {
	ClientIP  string
	UserID    string
	Method    string
	Path      string
	UserAgent string
}

// KeyByIP derives the quota key from the client IP. This is the default.
func KeyByIP(req Request) string { return req.ClientIP }

// KeyByUser derives the quota key from the authenticated user id, falling
// back to the client IP for anonymous requests.
func KeyByUser(req Request) string {
	if req.UserID != "" {
		return "user:" + req.UserID
	}
	return "ip:" + req.ClientIP
}

// SkipPaths exempts exact path matches (health checks, metrics endpoints).
func SkipPaths(paths ...string) SkipFunc {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return func(req Request) bool {
		_, ok := set[req.Path]
		return ok
	}
}
