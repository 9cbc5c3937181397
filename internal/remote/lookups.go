package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentic-research/starfield/api"
	"github.com/agentic-research/starfield/internal/fault"
)

// Members fetches one page of members with the given shape. It returns the
// decoded members and the number of raw results on the page.
func (c *Client) Members(ctx context.Context, shape api.Shape, skip, limit int) ([]api.MemberRecord, int, error) {
	d, err := c.decoder(shape)
	if err != nil {
		return nil, 0, err
	}
	req, err := request(shape, "", nil, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	results, err := c.Query(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	members, err := d.members(results)
	if err != nil {
		return nil, 0, err
	}
	return members, len(results), nil
}

// Posts fetches one page of posts, with the raw result count.
func (c *Client) Posts(ctx context.Context, skip, limit int) ([]api.Post, int, error) {
	return c.posts(ctx, "", nil, skip, limit)
}

// Comments fetches one page of comments, with the raw result count.
func (c *Client) Comments(ctx context.Context, skip, limit int) ([]api.Comment, int, error) {
	return c.comments(ctx, "", nil, skip, limit)
}

// MemberByID looks a member up by id, trying each member shape in order.
func (c *Client) MemberByID(ctx context.Context, id string) (api.MemberRecord, error) {
	return c.memberLookup(ctx, "id", map[string]any{"id": id}, id)
}

// MemberByUsername looks a member up by lowercased username.
func (c *Client) MemberByUsername(ctx context.Context, usernameLower string) (api.MemberRecord, error) {
	return c.memberLookup(ctx, "username", map[string]any{"username": usernameLower}, usernameLower)
}

// SearchMembers returns up to limit members whose username starts with prefix.
func (c *Client) SearchMembers(ctx context.Context, prefix string, limit int) ([]api.MemberRecord, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	var lastErr error
	for _, shape := range api.MemberShapes() {
		req, err := request(shape, "prefix", map[string]any{"prefix": prefix}, 0, limit)
		if err != nil {
			return nil, err
		}
		results, err := c.Query(ctx, req)
		if err != nil {
			if !errors.Is(err, fault.ErrSchemaMismatch) && !errors.Is(err, fault.ErrNotFound) {
				return nil, err
			}
			lastErr = err
			continue
		}
		members, err := c.shapes[shape.Name].members(results)
		if err != nil {
			lastErr = err
			continue
		}
		if len(members) > 0 {
			return members, nil
		}
	}
	if lastErr != nil && !errors.Is(lastErr, fault.ErrNotFound) {
		return nil, lastErr
	}
	return nil, nil
}

// PostsByCreator returns up to limit posts authored by memberID.
func (c *Client) PostsByCreator(ctx context.Context, memberID string, limit int) ([]api.Post, error) {
	posts, _, err := c.posts(ctx, "creator", map[string]any{"id": memberID}, 0, limit)
	return posts, err
}

// CommentsByAuthor returns up to limit comments written by memberID.
func (c *Client) CommentsByAuthor(ctx context.Context, memberID string, limit int) ([]api.Comment, error) {
	comments, _, err := c.comments(ctx, "author", map[string]any{"id": memberID}, 0, limit)
	return comments, err
}

// CommentsOnCreator returns up to limit comments left on memberID's posts.
func (c *Client) CommentsOnCreator(ctx context.Context, memberID string, limit int) ([]api.Comment, error) {
	comments, _, err := c.comments(ctx, "postCreator", map[string]any{"id": memberID}, 0, limit)
	return comments, err
}

func (c *Client) memberLookup(ctx context.Context, lookup string, params map[string]any, key string) (api.MemberRecord, error) {
	for _, shape := range api.MemberShapes() {
		req, err := request(shape, lookup, params, 0, 1)
		if err != nil {
			return api.MemberRecord{}, err
		}
		results, err := c.Query(ctx, req)
		if err != nil {
			if errors.Is(err, fault.ErrSchemaMismatch) || errors.Is(err, fault.ErrNotFound) {
				continue
			}
			return api.MemberRecord{}, err
		}
		members, err := c.shapes[shape.Name].members(results)
		if err == nil && len(members) > 0 {
			return members[0], nil
		}
	}
	return api.MemberRecord{}, fmt.Errorf("member %s: %w", key, fault.ErrNotFound)
}

// posts returns the decoded posts and the raw result count; the ingestion
// cursor advances by the latter so undecodable rows are not refetched.
func (c *Client) posts(ctx context.Context, lookup string, params map[string]any, skip, limit int) ([]api.Post, int, error) {
	req, err := request(api.PostShape, lookup, params, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	results, err := c.Query(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	return c.shapes[api.PostShape.Name].posts(results), len(results), nil
}

func (c *Client) comments(ctx context.Context, lookup string, params map[string]any, skip, limit int) ([]api.Comment, int, error) {
	req, err := request(api.CommentShape, lookup, params, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	results, err := c.Query(ctx, req)
	if err != nil {
		return nil, 0, err
	}
	return c.shapes[api.CommentShape.Name].comments(results), len(results), nil
}

func (c *Client) decoder(shape api.Shape) (*decoder, error) {
	if d, ok := c.shapes[shape.Name]; ok {
		return d, nil
	}
	return compile(shape)
}
