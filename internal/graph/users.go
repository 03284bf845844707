package graph

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

// GetUser looks up a directory user by email or user principal name.
// The address is not validated locally; Graph rejects malformed ones.
func (c *Client) GetUser(ctx context.Context, email string) (*User, error) {
	var user User
	endpoint := c.baseURL + "/users/" + url.PathEscape(email)
	if err := c.do(ctx, opGetUser, ErrLookup, http.MethodGet, endpoint, nil, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, &Error{Kind: ErrLookup, Op: opGetUser, Err: errors.New("response carried no user id")}
	}
	return &user, nil
}

// GetUserID resolves the Graph object id of the user with the given email.
func (c *Client) GetUserID(ctx context.Context, email string) (string, error) {
	user, err := c.GetUser(ctx, email)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}
