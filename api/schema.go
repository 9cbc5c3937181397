package api

import "time"

// Shape describes one query shape of the remote data service.
// The same logical entity can be served by more than one shape (primary + fallback),
// so decoding is driven by JSONPath expressions instead of fixed struct tags.
type Shape struct {
	// Name identifies the shape in logs and requests.
	Name string `json:"name"`
	// Entity is the remote collection (member, post, comment).
	Entity string `json:"entity"`
	// Filter is the filter expression sent to the service. It may reference
	// request params as $name.
	Filter string `json:"filter"`
	// Order is the sort expression; pagination is only stable with a total order.
	Order string `json:"order,omitempty"`
	// Select is the field-selection list sent with every request.
	Select []string `json:"select"`
	// Fields maps logical field names to JSONPath expressions evaluated
	// against each result object.
	Fields map[string]string `json:"fields"`
	// Lookups maps a lookup name (id, username, prefix, creator, ...) to the
	// filter clause ANDed onto Filter for that lookup.
	Lookups map[string]string `json:"lookups,omitempty"`
}

// Request is one paginated query.
type Request struct {
	Entity string         `json:"entity"`
	Shape  string         `json:"shape"`
	Filter string         `json:"filter"`
	Order  string         `json:"order,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Limit  int            `json:"limit"`
	Skip   int            `json:"skip"`
	Fields []string       `json:"fields"`
}

// Response is the envelope every query returns.
type Response struct {
	Results []any `json:"results"`
}

// MemberRecord is a member as decoded from the remote service.
type MemberRecord struct {
	ID              string
	Username        string
	ProfileImageRef *string
	RiskScore       float32
	HasRiskScore    bool
	SobrietyDays    int
	ClusterLabel    string
}

// Post is a "planet": one post orbiting its author.
type Post struct {
	ID           string    `json:"id"`
	CreatorID    string    `json:"creatorId"`
	CreatedAt    time.Time `json:"createdAt"`
	CommentCount int       `json:"commentCount"`
	ImageRef     string    `json:"imageRef,omitempty"`
	TextSnippet  string    `json:"textSnippet,omitempty"`
}

// Comment is the raw input for engagement edges.
type Comment struct {
	ID            string
	AuthorID      string
	PostID        string
	PostCreatorID string
	CreatedAt     time.Time
}

// Beam is a directed engagement edge: Source commented Strength times on Target's posts.
type Beam struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Strength int    `json:"strength"`
}

// SearchHit is one row of the search result list.
type SearchHit struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	ProfileImageRef string `json:"profileImageRef,omitempty"`
	// Local is true when the member is already present in the entity store.
	Local bool `json:"local"`
}
