package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BotProvider speaks the bot HTTP API. Only entries authored by the
// configured admin id are yielded; everything else still advances the
// cursor.
type BotProvider struct {
	baseURL string
	token   string
	adminID string
	client  *http.Client
}

func NewBotProvider(baseURL, token, adminID string) *BotProvider {
	return &BotProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		adminID: adminID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type apiUpdate struct {
	UpdateID int64       `json:"update_id"`
	Message  *apiMessage `json:"message"`
	Post     *apiMessage `json:"channel_post"`
}

type apiMessage struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
	Caption   string `json:"caption"`
	From      *struct {
		ID        int64  `json:"id"`
		FirstName string `json:"first_name"`
		Username  string `json:"username"`
	} `json:"from"`
	Chat *struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	ReplyTo *struct {
		MessageID int64 `json:"message_id"`
	} `json:"reply_to_message"`
}

func (p *BotProvider) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", p.baseURL, url.PathEscape(p.token), method)
}

func (p *BotProvider) Fetch(ctx context.Context, since int64) ([]Entry, int64, error) {
	u := fmt.Sprintf("%s?offset=%d&timeout=0", p.endpoint("getUpdates"), since)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, since, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, since, fmt.Errorf("fetch updates: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK     bool        `json:"ok"`
		Result []apiUpdate `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, since, fmt.Errorf("decode updates: %w", err)
	}
	if !body.OK {
		return nil, since, fmt.Errorf("provider rejected update fetch")
	}

	next := since
	var entries []Entry
	for _, upd := range body.Result {
		if upd.UpdateID+1 > next {
			next = upd.UpdateID + 1
		}
		msg := upd.Message
		if msg == nil {
			msg = upd.Post
		}
		if msg == nil {
			continue
		}
		fromID := ""
		fromName := "Admin"
		if msg.From != nil {
			fromID = strconv.FormatInt(msg.From.ID, 10)
			if msg.From.Username != "" {
				fromName = "@" + msg.From.Username
			} else if msg.From.FirstName != "" {
				fromName = msg.From.FirstName
			}
		} else if msg.Chat != nil {
			fromID = strconv.FormatInt(msg.Chat.ID, 10)
		}
		if fromID != p.adminID {
			continue
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			text = strings.TrimSpace(msg.Caption)
		}
		if text == "" {
			continue
		}
		entry := Entry{
			Cursor:   upd.UpdateID,
			FromID:   fromID,
			FromName: fromName,
			Text:     text,
			TS:       msg.Date * 1000,
		}
		if msg.ReplyTo != nil {
			entry.ReplyToID = msg.ReplyTo.MessageID
		}
		entries = append(entries, entry)
	}
	return entries, next, nil
}

func (p *BotProvider) Send(ctx context.Context, target, text string) (int64, error) {
	payload, err := json.Marshal(map[string]any{"chat_id": target, "text": text})
	if err != nil {
		return 0, fmt.Errorf("marshal send payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		OK     bool `json:"ok"`
		Result *struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode send response: %w", err)
	}
	if !body.OK || body.Result == nil {
		return 0, fmt.Errorf("provider rejected send")
	}
	return body.Result.MessageID, nil
}

func (p *BotProvider) Highlight(ctx context.Context, target string, msgID int64) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":              target,
		"message_id":           msgID,
		"disable_notification": true,
	})
	if err != nil {
		return fmt.Errorf("marshal highlight payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("pinChatMessage"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build highlight request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("highlight message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("highlight rejected with status %d", resp.StatusCode)
	}
	return nil
}
