package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"leadtracker/internal/domain/notify"

	"github.com/sirupsen/logrus"
)

// maxMessageRunes stays under Telegram's 4096 character limit.
const maxMessageRunes = 4000

// DigestDispatcher posts overdue digests to a fixed set of chats. The email recipients
// passed to Dispatch are ignored; chats come from configuration.
type DigestDispatcher struct {
	client  Client
	chatIDs []int64
	loc     *time.Location
	logger  *logrus.Entry
}

func NewDigestDispatcher(client Client, chatIDs []int64, loc *time.Location, logger *logrus.Entry) *DigestDispatcher {
	if loc == nil {
		loc = time.Local
	}
	return &DigestDispatcher{client: client, chatIDs: chatIDs, loc: loc, logger: logger}
}

func (d *DigestDispatcher) Dispatch(ctx context.Context, digest notify.Digest, _ []string) error {
	if len(d.chatIDs) == 0 {
		return notify.ErrNoRecipients
	}
	messages := splitMessages(d.lines(digest), maxMessageRunes)

	var errs []error
	for _, chatID := range d.chatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		for _, text := range messages {
			if err := d.client.SendMessage(chatID, text, nil); err != nil {
				d.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to send overdue digest to chat")
				errs = append(errs, fmt.Errorf("telegram chat %d: %w", chatID, err))
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (d *DigestDispatcher) lines(digest notify.Digest) []string {
	lines := []string{fmt.Sprintf("⏰ 客户跟进超期提醒：%d条线索需要跟进", digest.Total())}
	for _, g := range digest.Groups {
		lines = append(lines, "", fmt.Sprintf("【%s意向】%d条", g.Level, len(g.Leads)))
		for _, l := range g.Leads {
			last := "无"
			if !l.LastContactTime.IsZero() {
				last = l.LastContactTime.In(d.loc).Format("2006-01-02 15:04")
			}
			lines = append(lines, fmt.Sprintf("• %s（%s）跟进人：%s，最后跟进：%s，已%d天/阈值%d天",
				l.CustomerLabel, orNone(l.ContactInfo), l.ResponsiblePerson, last, l.IdleDays, l.ThresholdDays))
		}
	}
	return lines
}

// splitMessages packs lines into messages of at most limit runes. A single longer line is truncated.
func splitMessages(lines []string, limit int) []string {
	var (
		out []string
		cur strings.Builder
	)
	curLen := 0
	for _, line := range lines {
		if n := utf8.RuneCountInString(line); n > limit {
			line = string([]rune(line)[:limit-1]) + "…"
		}
		n := utf8.RuneCountInString(line) + 1
		if curLen > 0 && curLen+n > limit {
			out = append(out, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
			curLen = 0
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		curLen += n
	}
	if curLen > 0 {
		out = append(out, strings.TrimRight(cur.String(), "\n"))
	}
	return out
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "无"
	}
	return s
}
