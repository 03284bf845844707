package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
)

const (
	ChatTypeOneOnOne = "oneOnOne"
	ChatTypeGroup    = "group"

	conversationMemberType = "#microsoft.graph.aadUserConversationMember"
)

type ChatMember struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

type Chat struct {
	ID       string       `json:"id"`
	ChatType string       `json:"chatType"`
	Topic    string       `json:"topic"`
	Members  []ChatMember `json:"members,omitempty"`
}

// HasMember reports whether userID is any member of the chat.
func (c Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.UserID == userID || m.ID == userID {
			return true
		}
	}
	return false
}

type chatPage struct {
	Value    []Chat `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type conversationMember struct {
	ODataType string   `json:"@odata.type"`
	Roles     []string `json:"roles"`
	UserBind  string   `json:"user@odata.bind"`
}

type createChatRequest struct {
	ChatType string               `json:"chatType"`
	Members  []conversationMember `json:"members"`
}

// Chats lists the signed-in user's chats with their members. Pages are
// fetched lazily while the caller keeps ranging; each range starts over at
// the first page.
func (c *Client) Chats(ctx context.Context) iter.Seq2[Chat, error] {
	return c.chats(ctx, true)
}

func (c *Client) chats(ctx context.Context, expandMembers bool) iter.Seq2[Chat, error] {
	return func(yield func(Chat, error) bool) {
		for page, err := range c.chatPages(ctx, expandMembers) {
			if err != nil {
				yield(Chat{}, err)
				return
			}
			for _, chat := range page {
				if !yield(chat, nil) {
					return
				}
			}
		}
	}
}

func (c *Client) chatPages(ctx context.Context, expandMembers bool) iter.Seq2[[]Chat, error] {
	return func(yield func([]Chat, error) bool) {
		next := c.baseURL + "/me/chats"
		if expandMembers {
			next += "?" + url.Values{"$expand": {"members"}}.Encode()
		}

		for pageNum := 1; next != ""; pageNum++ {
			var page chatPage
			if err := c.do(ctx, opListChats, ErrFetch, http.MethodGet, next, nil, &page); err != nil {
				yield(nil, err)
				return
			}
			c.logger.WithField("page", pageNum).WithField("chats", len(page.Value)).Debug("Fetched chat page")

			if !yield(page.Value, nil) {
				return
			}

			next = page.NextLink
			if next != "" && !c.sameOrigin(next) {
				yield(nil, &Error{Kind: ErrFetch, Op: opListChats, Err: fmt.Errorf("refusing to follow next link to foreign host: %s", next)})
				return
			}
		}
	}
}

// GetChatIDByGroupName returns the id of the first chat, in page order, whose
// topic equals name. Graph offers no lookup by topic, so this walks every
// chat of the account on each call.
func (c *Client) GetChatIDByGroupName(ctx context.Context, name string) (string, error) {
	for chat, err := range c.chats(ctx, false) {
		if err != nil {
			return "", err
		}
		if chat.Topic != "" && chat.Topic == name {
			return chat.ID, nil
		}
	}
	return "", &Error{Kind: ErrNotFound, Op: opListChats, Err: fmt.Errorf("no chat with topic %q", name)}
}

// GetChatID returns the one-on-one chat between the configured account and
// targetUserID, creating it when none exists yet.
func (c *Client) GetChatID(ctx context.Context, targetUserID string) (string, error) {
	selfID, err := c.GetUserID(ctx, c.cfg.Username)
	if err != nil {
		return "", err
	}
	// The account is a member of every one-on-one chat it has, so a match on
	// its own id would pick an arbitrary conversation partner.
	if targetUserID == selfID {
		return "", &Error{Kind: ErrLookup, Op: opGetUser, Err: errors.New("cannot open a one-on-one chat with the signed-in account")}
	}

	for chat, err := range c.chats(ctx, true) {
		if err != nil {
			return "", err
		}
		if chat.ChatType == ChatTypeOneOnOne && chat.HasMember(targetUserID) {
			c.logger.WithField("chat_id", chat.ID).Debug("Found existing one-on-one chat")
			return chat.ID, nil
		}
	}

	return c.createOneOnOneChat(ctx, targetUserID, selfID)
}

func (c *Client) createOneOnOneChat(ctx context.Context, targetUserID, selfID string) (string, error) {
	req := createChatRequest{
		ChatType: ChatTypeOneOnOne,
		Members: []conversationMember{
			c.ownerMember(targetUserID),
			c.ownerMember(selfID),
		},
	}

	var chat Chat
	if err := c.do(ctx, opCreateChat, ErrChatCreate, http.MethodPost, c.baseURL+"/chats", req, &chat); err != nil {
		return "", err
	}
	if chat.ID == "" {
		return "", &Error{Kind: ErrChatCreate, Op: opCreateChat, Err: errors.New("response carried no chat id")}
	}

	c.logger.WithField("chat_id", chat.ID).Info("Created one-on-one chat")
	return chat.ID, nil
}

func (c *Client) ownerMember(userID string) conversationMember {
	return conversationMember{
		ODataType: conversationMemberType,
		Roles:     []string{"owner"},
		UserBind:  c.baseURL + "/users/" + userID,
	}
}
