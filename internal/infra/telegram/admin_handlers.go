package telegram

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"leadtracker/internal/app"
	"leadtracker/internal/apperr"
	"leadtracker/internal/domain/lead"
	"leadtracker/internal/domain/remind"
	"leadtracker/internal/domain/sweep"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

const msgUnauthorized = "错误：您没有执行此命令的权限。"

// RemindAdmin is the admin surface for thresholds and recipients.
type RemindAdmin interface {
	Authorize(performingID int64) error
	ListThresholds(ctx context.Context) ([]*remind.IntentionConfig, error)
	UpdateThreshold(ctx context.Context, level lead.IntentionLevel, days int) error
	ListRecipients(ctx context.Context) ([]*remind.Recipient, error)
	AddRecipient(ctx context.Context, email string) (*remind.Recipient, error)
	RemoveRecipient(ctx context.Context, id int64) error
}

// SweepRunner starts an overdue sweep on demand.
type SweepRunner interface {
	Run(ctx context.Context, trigger sweep.Trigger) (*sweep.Run, error)
}

// RunReader reads the sweep history.
type RunReader interface {
	LatestRun(ctx context.Context) (*sweep.Run, error)
}

// LeadCommands is the lifecycle surface exposed through the bot.
type LeadCommands interface {
	EnableTracking(ctx context.Context, tx *sql.Tx, leadID int64, first lead.Contact) (*lead.Lead, error)
	DisableTracking(ctx context.Context, tx *sql.Tx, leadID int64, reason string, contact *lead.Contact) (*lead.Lead, error)
	RecordFollowUp(ctx context.Context, tx *sql.Tx, leadID int64, contact lead.Contact) (*lead.Lead, *lead.JournalEntry, error)
	RecomputeOne(ctx context.Context, tx *sql.Tx, leadID int64) (*lead.Lead, error)
}

// commandFunc answers one admin command. args are the words after the command.
type commandFunc func(ctx context.Context, logCtx *logrus.Entry, senderID int64, args []string) string

// AdminHandlers serves the admin commands of the bot.
type AdminHandlers struct {
	admin     RemindAdmin
	sweeper   SweepRunner
	runs      RunReader // optional
	lifecycle LeadCommands
	logger    *logrus.Entry
}

func NewAdminHandlers(admin RemindAdmin, sweeper SweepRunner, runs RunReader, lifecycle LeadCommands, logger *logrus.Entry) *AdminHandlers {
	return &AdminHandlers{admin: admin, sweeper: sweeper, runs: runs, lifecycle: lifecycle, logger: logger}
}

func (h *AdminHandlers) commands() map[string]commandFunc {
	return map[string]commandFunc{
		"/thresholds":       h.listThresholds,
		"/threshold":        h.setThreshold,
		"/recipients":       h.listRecipients,
		"/add_recipient":    h.addRecipient,
		"/remove_recipient": h.removeRecipient,
		"/sweep":            h.runSweep,
		"/last_sweep":       h.lastSweep,
		"/track":            h.enableTracking,
		"/followup":         h.recordFollowUp,
		"/end":              h.endTracking,
		"/recompute":        h.recompute,
	}
}

// Register binds every admin command to b.
func (h *AdminHandlers) Register(ctx context.Context, b *telebot.Bot) {
	for name, fn := range h.commands() {
		b.Handle(name, func(c telebot.Context) error {
			return c.Send(h.handle(ctx, name, fn, c.Sender().ID, c.Args()))
		})
	}
}

func (h *AdminHandlers) handle(ctx context.Context, name string, fn commandFunc, senderID int64, args []string) string {
	logCtx := h.logger.WithFields(logrus.Fields{"handler": name, "sender_id": senderID})
	logCtx.Info("Command received")
	if err := h.admin.Authorize(senderID); err != nil {
		logCtx.Warn("Unauthorized access attempt")
		return msgUnauthorized
	}
	return fn(ctx, logCtx, senderID, args)
}

func (h *AdminHandlers) listThresholds(ctx context.Context, logCtx *logrus.Entry, _ int64, _ []string) string {
	configs, err := h.admin.ListThresholds(ctx)
	if err != nil {
		return replyError(logCtx, err, "获取跟进阈值失败")
	}
	var b strings.Builder
	b.WriteString("跟进阈值（最大未跟进天数）：\n")
	for _, c := range configs {
		fmt.Fprintf(&b, "%s意向：%d天\n", c.IntentionLevel, c.MaxIdleDays)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *AdminHandlers) setThreshold(ctx context.Context, logCtx *logrus.Entry, _ int64, args []string) string {
	if len(args) != 2 {
		return "格式错误。用法：/threshold <高|中|低> <天数>"
	}
	level, err := lead.ParseIntentionLevel(args[0])
	if err != nil {
		return fmt.Sprintf("未知的意向等级：%s", args[0])
	}
	days, err := strconv.Atoi(args[1])
	if err != nil {
		return "错误：天数必须是整数。"
	}
	logCtx = logCtx.WithFields(logrus.Fields{"intention_level": level, "days": days})
	if err := h.admin.UpdateThreshold(ctx, level, days); err != nil {
		return replyError(logCtx, err, "更新跟进阈值失败")
	}
	logCtx.Info("Threshold updated via bot")
	return fmt.Sprintf("%s意向的跟进阈值已更新为%d天。", level, days)
}

func (h *AdminHandlers) listRecipients(ctx context.Context, logCtx *logrus.Entry, _ int64, _ []string) string {
	recipients, err := h.admin.ListRecipients(ctx)
	if err != nil {
		return replyError(logCtx, err, "获取提醒邮箱失败")
	}
	if len(recipients) == 0 {
		return "提醒邮箱列表为空。"
	}
	var b strings.Builder
	b.WriteString("提醒邮箱：\n")
	for _, r := range recipients {
		fmt.Fprintf(&b, "%d. %s\n", r.ID, r.Email)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *AdminHandlers) addRecipient(ctx context.Context, logCtx *logrus.Entry, _ int64, args []string) string {
	if len(args) != 1 {
		return "格式错误。用法：/add_recipient <邮箱>"
	}
	rc, err := h.admin.AddRecipient(ctx, args[0])
	if err != nil {
		return replyError(logCtx, err, "添加提醒邮箱失败")
	}
	return fmt.Sprintf("已添加提醒邮箱 %s（ID: %d）。", rc.Email, rc.ID)
}

func (h *AdminHandlers) removeRecipient(ctx context.Context, logCtx *logrus.Entry, _ int64, args []string) string {
	if len(args) != 1 {
		return "格式错误。用法：/remove_recipient <ID>"
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "错误：ID必须是数字。"
	}
	if err := h.admin.RemoveRecipient(ctx, id); err != nil {
		return replyError(logCtx, err, "删除提醒邮箱失败")
	}
	return fmt.Sprintf("已删除提醒邮箱 %d。", id)
}

func (h *AdminHandlers) runSweep(ctx context.Context, logCtx *logrus.Entry, _ int64, _ []string) string {
	run, err := h.sweeper.Run(ctx, sweep.TriggerManual)
	if errors.Is(err, app.ErrSweepInProgress) {
		return "超期检查正在进行中，请稍后再试。"
	}
	if err != nil {
		logCtx.WithError(err).Error("Manual sweep failed")
		return fmt.Sprintf("超期检查失败：%s", err.Error())
	}
	return formatRun(run)
}

func (h *AdminHandlers) lastSweep(ctx context.Context, logCtx *logrus.Entry, _ int64, _ []string) string {
	if h.runs == nil {
		return "未启用超期检查记录。"
	}
	run, err := h.runs.LatestRun(ctx)
	if err != nil {
		logCtx.WithError(err).Warn("No sweep run to show")
		return "暂无超期检查记录。"
	}
	return formatRun(run)
}

func (h *AdminHandlers) enableTracking(ctx context.Context, logCtx *logrus.Entry, senderID int64, args []string) string {
	if len(args) < 3 {
		return "格式错误。用法：/track <线索ID> <跟进方式> <跟进内容>"
	}
	leadID, ok := parseLeadID(args[0])
	if !ok {
		return "错误：线索ID必须是数字。"
	}
	contact := botContact(senderID, args[1], args[2:])
	l, err := h.lifecycle.EnableTracking(ctx, nil, leadID, contact)
	if err != nil {
		return replyError(logCtx.WithField("lead_id", leadID), err, "开启跟进失败")
	}
	return fmt.Sprintf("线索 %d 已开启跟进。%s", l.ID, needText(l))
}

func (h *AdminHandlers) recordFollowUp(ctx context.Context, logCtx *logrus.Entry, senderID int64, args []string) string {
	if len(args) < 3 {
		return "格式错误。用法：/followup <线索ID> <跟进方式> <跟进内容>"
	}
	leadID, ok := parseLeadID(args[0])
	if !ok {
		return "错误：线索ID必须是数字。"
	}
	contact := botContact(senderID, args[1], args[2:])
	l, _, err := h.lifecycle.RecordFollowUp(ctx, nil, leadID, contact)
	if err != nil {
		return replyError(logCtx.WithField("lead_id", leadID), err, "记录跟进失败")
	}
	return fmt.Sprintf("已记录线索 %d 的跟进。%s", l.ID, needText(l))
}

func (h *AdminHandlers) endTracking(ctx context.Context, logCtx *logrus.Entry, _ int64, args []string) string {
	if len(args) < 1 {
		return "格式错误。用法：/end <线索ID> <终结原因>"
	}
	leadID, ok := parseLeadID(args[0])
	if !ok {
		return "错误：线索ID必须是数字。"
	}
	reason := strings.Join(args[1:], " ")
	if _, err := h.lifecycle.DisableTracking(ctx, nil, leadID, reason, nil); err != nil {
		return replyError(logCtx.WithField("lead_id", leadID), err, "终结跟进失败")
	}
	return fmt.Sprintf("线索 %d 已终结跟进：%s", leadID, reason)
}

func (h *AdminHandlers) recompute(ctx context.Context, logCtx *logrus.Entry, _ int64, args []string) string {
	if len(args) != 1 {
		return "格式错误。用法：/recompute <线索ID>"
	}
	leadID, ok := parseLeadID(args[0])
	if !ok {
		return "错误：线索ID必须是数字。"
	}
	l, err := h.lifecycle.RecomputeOne(ctx, nil, leadID)
	if err != nil {
		return replyError(logCtx.WithField("lead_id", leadID), err, "重新计算失败")
	}
	return fmt.Sprintf("线索 %d：%s", l.ID, needText(l))
}

func parseLeadID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil && id > 0
}

func botContact(senderID int64, method string, content []string) lead.Contact {
	return lead.Contact{
		Method:  method,
		Content: strings.Join(content, " "),
		ActorID: senderID,
	}
}

func needText(l *lead.Lead) string {
	if l.NeedFollowup {
		return "当前仍需跟进。"
	}
	return "当前无需跟进。"
}

func formatRun(run *sweep.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "超期检查 %s\n", run.ID)
	fmt.Fprintf(&b, "触发：%s，状态：%s\n", run.Trigger, run.Status)
	fmt.Fprintf(&b, "检查线索：%d，超期：%d，通知：%s", run.Evaluated, run.Overdue, run.Dispatch)
	if len(run.FailedLevels) > 0 {
		fmt.Fprintf(&b, "\n失败的意向等级：%s", strings.Join(run.FailedLevels, "、"))
	}
	if run.Error.Valid {
		fmt.Fprintf(&b, "\n错误：%s", run.Error.String)
	}
	return b.String()
}

// replyError logs err at a level matching its kind and turns it into a chat reply.
func replyError(logCtx *logrus.Entry, err error, action string) string {
	logWithError := logCtx.WithError(err)
	switch apperr.GetKind(err) {
	case apperr.KindValidation:
		logWithError.Warn("Rejected invalid input")
		return fmt.Sprintf("%s：输入无效（%s）", action, err.Error())
	case apperr.KindNotFound:
		logWithError.Warn("Target not found")
		return fmt.Sprintf("%s：对象不存在。", action)
	case apperr.KindConflict:
		logWithError.Warn("Conflicting state")
		return fmt.Sprintf("%s：%s", action, err.Error())
	default:
		logWithError.Error(action)
		return fmt.Sprintf("%s，请稍后重试。", action)
	}
}
