// internal/infra/telegram/bot_commands_handler.go
package telegram

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/telebot.v3"
)

// RegisterBotCommands registers /start and /help. Admins get the command list,
// everyone else a short description.
func RegisterBotCommands(b *telebot.Bot, adminTelegramID int64, baseLogger *logrus.Entry) {
	startHelpLogger := baseLogger.WithField("handler_group", "start_help")

	b.Handle("/start", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/start").WithField("sender_id", senderID)
		logCtx.Info("Processing /start command")

		if senderID == adminTelegramID {
			logCtx.Info("User identified as Admin")
			return c.Send(fmt.Sprintf("您好，管理员 %s！客户跟进提醒已就绪，发送 /help 查看命令。", c.Sender().FirstName))
		}
		logCtx.Info("User is unknown")
		return c.Send("您好！这是客户跟进超期提醒机器人，只有管理员可以使用命令。")
	})

	b.Handle("/help", func(c telebot.Context) error {
		senderID := c.Sender().ID
		logCtx := startHelpLogger.WithField("command", "/help").WithField("sender_id", senderID)
		logCtx.Info("Processing /help command")

		if senderID != adminTelegramID {
			return c.Send("没有可用的命令。如需接收超期提醒，请联系管理员。")
		}
		return c.Send(adminHelp())
	})
}

func adminHelp() string {
	var helpText strings.Builder
	helpText.WriteString("管理员命令：\n\n")
	helpText.WriteString("/thresholds - 查看各意向等级的跟进阈值\n")
	helpText.WriteString("/threshold <高|中|低> <天数> - 修改跟进阈值\n")
	helpText.WriteString("/recipients - 查看提醒邮箱\n")
	helpText.WriteString("/add_recipient <邮箱> - 添加提醒邮箱\n")
	helpText.WriteString("/remove_recipient <ID> - 删除提醒邮箱\n")
	helpText.WriteString("/sweep - 立即执行超期检查\n")
	helpText.WriteString("/last_sweep - 查看最近一次超期检查\n")
	helpText.WriteString("/track <线索ID> <方式> <内容> - 开启跟进并记录首次联系\n")
	helpText.WriteString("/followup <线索ID> <方式> <内容> - 记录跟进\n")
	helpText.WriteString("/end <线索ID> <原因> - 终结跟进\n")
	helpText.WriteString("/recompute <线索ID> - 重新计算是否需要跟进\n")
	helpText.WriteString("/help - 显示本帮助")
	return helpText.String()
}
