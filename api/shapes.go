package api

// Entity names understood by the remote service.
const (
	EntityMember  = "member"
	EntityPost    = "post"
	EntityComment = "comment"
)

// MemberPrimary is the current member schema.
var MemberPrimary = Shape{
	Name:   "member-primary",
	Entity: EntityMember,
	Filter: `_type == "member" && defined(username)`,
	Order:  "_createdAt asc",
	Select: []string{"_id", "username", "profileImage", "riskScore", "sobrietyDays", "cluster"},
	Fields: map[string]string{
		"id":       "$._id",
		"username": "$.username",
		"image":    "$.profileImage.asset.url",
		"risk":     "$.riskScore",
		"sobriety": "$.sobrietyDays",
		"cluster":  "$.cluster",
	},
	Lookups: map[string]string{
		"id":       "_id == $id",
		"username": "lower(username) == $username",
		"prefix":   "lower(username) match $prefix + \"*\"",
	},
}

// MemberFallback is the legacy member schema, used when the primary shape
// returns nothing on the first page of a session.
var MemberFallback = Shape{
	Name:   "member-fallback",
	Entity: EntityMember,
	Filter: `_type == "user"`,
	Order:  "_createdAt asc",
	Select: []string{"id", "handle", "avatar", "daysSober", "group"},
	Fields: map[string]string{
		"id":       "$.id",
		"username": "$.handle",
		"image":    "$.avatar",
		"sobriety": "$.daysSober",
		"cluster":  "$.group",
	},
	Lookups: map[string]string{
		"id":       "id == $id",
		"username": "lower(handle) == $username",
		"prefix":   "lower(handle) match $prefix + \"*\"",
	},
}

// PostShape selects posts.
var PostShape = Shape{
	Name:   "post",
	Entity: EntityPost,
	Filter: `_type == "post"`,
	Order:  "_createdAt asc",
	Select: []string{"_id", "creator", "_createdAt", "commentCount", "image", "text"},
	Fields: map[string]string{
		"id":       "$._id",
		"creator":  "$.creator._ref",
		"created":  "$._createdAt",
		"comments": "$.commentCount",
		"image":    "$.image.asset.url",
		"text":     "$.text",
	},
	Lookups: map[string]string{
		"creator": "creator._ref == $id",
	},
}

// CommentShape selects comments with the author and the commented post's creator.
var CommentShape = Shape{
	Name:   "comment",
	Entity: EntityComment,
	Filter: `_type == "comment"`,
	Order:  "_createdAt asc",
	Select: []string{"_id", "author", "post", "_createdAt"},
	Fields: map[string]string{
		"id":          "$._id",
		"author":      "$.author._ref",
		"post":        "$.post._ref",
		"postCreator": "$.post.creator._ref",
		"created":     "$._createdAt",
	},
	Lookups: map[string]string{
		"author":      "author._ref == $id",
		"postCreator": "post->creator._ref == $id",
	},
}

// MemberShapes lists member shapes in preference order.
func MemberShapes() []Shape {
	return []Shape{MemberPrimary, MemberFallback}
}
