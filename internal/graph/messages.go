package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	ContentTypeHTML         = "html"
	AdaptiveCardContentType = "application/vnd.microsoft.card.adaptive"

	// cardAttachmentID must match the <attachment> marker in the message body.
	cardAttachmentID = "1"
)

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type chatMessageAttachment struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type chatMessageRequest struct {
	Body        itemBody                `json:"body"`
	Attachments []chatMessageAttachment `json:"attachments,omitempty"`
}

// SentMessage is the part of Graph's chatMessage reply callers care about.
type SentMessage struct {
	ID              string    `json:"id"`
	ChatID          string    `json:"chatId"`
	CreatedDateTime time.Time `json:"createdDateTime"`
	WebURL          string    `json:"webUrl"`
}

// SendMessageToUser posts an HTML message into the one-on-one chat with the
// user owning email, creating the chat if needed.
func (c *Client) SendMessageToUser(ctx context.Context, email, htmlContent string) error {
	chatID, err := c.chatForUser(ctx, email)
	if err != nil {
		return err
	}
	_, err = c.postMessage(ctx, chatID, newHTMLMessage(htmlContent))
	return err
}

// SendMessageToGroup posts an HTML message into an existing chat.
func (c *Client) SendMessageToGroup(ctx context.Context, chatID, htmlContent string) error {
	_, err := c.postMessage(ctx, chatID, newHTMLMessage(htmlContent))
	return err
}

// SendAdaptiveCardToUser posts card into the one-on-one chat with the user
// owning email. card is serialized with encoding/json; pass a map, a struct
// or a json.RawMessage.
func (c *Client) SendAdaptiveCardToUser(ctx context.Context, email string, card any) (*SentMessage, error) {
	msg, err := newAdaptiveCardMessage(card)
	if err != nil {
		return nil, err
	}
	chatID, err := c.chatForUser(ctx, email)
	if err != nil {
		return nil, err
	}
	return c.postMessage(ctx, chatID, msg)
}

// SendAdaptiveCardToGroup posts card into an existing chat.
func (c *Client) SendAdaptiveCardToGroup(ctx context.Context, chatID string, card any) (*SentMessage, error) {
	msg, err := newAdaptiveCardMessage(card)
	if err != nil {
		return nil, err
	}
	return c.postMessage(ctx, chatID, msg)
}

func (c *Client) chatForUser(ctx context.Context, email string) (string, error) {
	targetUserID, err := c.GetUserID(ctx, email)
	if err != nil {
		return "", err
	}
	return c.GetChatID(ctx, targetUserID)
}

func (c *Client) postMessage(ctx context.Context, chatID string, msg chatMessageRequest) (*SentMessage, error) {
	if chatID == "" {
		return nil, &Error{Kind: ErrSend, Op: opSendMessage, Err: errors.New("chat id is empty")}
	}

	var sent SentMessage
	endpoint := c.baseURL + "/chats/" + url.PathEscape(chatID) + "/messages"
	if err := c.do(ctx, opSendMessage, ErrSend, http.MethodPost, endpoint, msg, &sent); err != nil {
		return nil, err
	}
	if sent.ChatID == "" {
		sent.ChatID = chatID
	}

	c.logger.WithField("chat_id", chatID).WithField("message_id", sent.ID).Info("Message sent")
	return &sent, nil
}

func newHTMLMessage(htmlContent string) chatMessageRequest {
	return chatMessageRequest{
		Body: itemBody{ContentType: ContentTypeHTML, Content: htmlContent},
	}
}

func newAdaptiveCardMessage(card any) (chatMessageRequest, error) {
	if card == nil {
		return chatMessageRequest{}, &Error{Kind: ErrSend, Op: opSendMessage, Err: errors.New("adaptive card payload is empty")}
	}
	content, err := json.Marshal(card)
	if err != nil {
		return chatMessageRequest{}, &Error{Kind: ErrSend, Op: opSendMessage, Err: fmt.Errorf("failed to marshal adaptive card: %w", err)}
	}

	return chatMessageRequest{
		Body: itemBody{
			ContentType: ContentTypeHTML,
			Content:     fmt.Sprintf(`<attachment id="%s"></attachment>`, cardAttachmentID),
		},
		Attachments: []chatMessageAttachment{{
			ID:          cardAttachmentID,
			ContentType: AdaptiveCardContentType,
			Content:     string(content),
		}},
	}, nil
}
