package stats

import (
	"fmt"

	"golang.org/x/text/language"
)

// MessageKey names a localized text template.
type MessageKey string

const (
	MsgNetworkRequestFailed MessageKey = "network_request_failed"
	MsgRequestFailed        MessageKey = "request_failed"
	MsgInsufficientBalance  MessageKey = "insufficient_balance"
	MsgUnknownError         MessageKey = "unknown_error"
	MsgAPIKeyInvalid        MessageKey = "api_key_invalid"
	MsgStatusError          MessageKey = "status_error"

	MsgCost         MessageKey = "cost"
	MsgBalance      MessageKey = "balance"
	MsgTokens       MessageKey = "tokens"
	MsgTimeSpent    MessageKey = "time_spent"
	MsgTokensPerSec MessageKey = "tokens_per_sec"

	MsgNoAssistantMessage MessageKey = "no_assistant_message"
	MsgNoMessageID        MessageKey = "no_message_id"
	MsgRecordNotFound     MessageKey = "record_not_found"
	MsgRecordReadFailed   MessageKey = "record_read_failed"
	MsgRecordSaveFailed   MessageKey = "record_save_failed"
)

// Separator joins the segments of a formatted stats line in every locale.
const Separator = " | "

// Locale is a set of message templates for one display language.
type Locale struct {
	Name  string
	texts map[MessageKey]string
}

var english = Locale{
	Name: "en",
	texts: map[MessageKey]string{
		MsgNetworkRequestFailed: "Network request failed: %v",
		MsgRequestFailed:        "Request failed: [%s] %s",
		MsgInsufficientBalance:  "Insufficient balance: Current balance `%s`",
		MsgUnknownError:         "Unknown error",
		MsgAPIKeyInvalid:        "API key validation failed",
		MsgStatusError:          "Error: %s",

		MsgCost:         "Cost: $%s",
		MsgBalance:      "Balance: $%s",
		MsgTokens:       "Tokens: %d+%d",
		MsgTimeSpent:    "Time: %.2fs",
		MsgTokensPerSec: "%.2f T/s",

		MsgNoAssistantMessage: "No assistant message found",
		MsgNoMessageID:        "Unable to get message ID",
		MsgRecordNotFound:     "No billing record found for this message, please contact the administrator",
		MsgRecordReadFailed:   "Failed to read usage record: %v",
		MsgRecordSaveFailed:   "Failed to save usage record: %v",
	},
}

var chinese = Locale{
	Name: "zh",
	texts: map[MessageKey]string{
		MsgNetworkRequestFailed: "网络请求失败: %v",
		MsgRequestFailed:        "请求失败: [%s] %s",
		MsgInsufficientBalance:  "余额不足: 当前余额 `%s`",
		MsgUnknownError:         "未知错误",
		MsgAPIKeyInvalid:        "API密钥验证失败",
		MsgStatusError:          "错误: %s",

		MsgCost:         "费用: ¥%s",
		MsgBalance:      "余额: ¥%s",
		MsgTokens:       "Token: %d+%d",
		MsgTimeSpent:    "耗时: %.2fs",
		MsgTokensPerSec: "%.2f T/s",

		MsgNoAssistantMessage: "没有找到assistant消息",
		MsgNoMessageID:        "无法获取消息ID",
		MsgRecordNotFound:     "未查找到该消息的计费记录，请联系管理员",
		MsgRecordReadFailed:   "读取统计文件失败: %v",
		MsgRecordSaveFailed:   "保存计费记录失败: %v",
	},
}

// The first entry is the fallback.
var (
	supportedTags = []language.Tag{language.English, language.Chinese}
	locales       = []Locale{english, chinese}
	matcher       = language.NewMatcher(supportedTags)
)

// DefaultLocale returns the fallback locale.
func DefaultLocale() Locale {
	return english
}

// LookupLocale resolves a language selector such as "en", "zh" or "zh-CN".
// Unrecognized selectors resolve to the default locale.
func LookupLocale(selector string) Locale {
	tag, err := language.Parse(selector)
	if err != nil {
		return english
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No || idx < 0 || idx >= len(locales) {
		return english
	}
	return locales[idx]
}

// Text renders the template for key. Keys missing from a locale fall back to
// the default locale's text.
func (l Locale) Text(key MessageKey, args ...any) string {
	tmpl, ok := l.texts[key]
	if !ok {
		tmpl, ok = english.texts[key]
		if !ok {
			return string(key)
		}
	}
	if len(args) == 0 {
		return tmpl
	}
	return fmt.Sprintf(tmpl, args...)
}
