package chat

import (
	"fmt"
	"strings"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerBot  Speaker = "bot"
)

// Label 返回页面上展示的说话人名称。
func (s Speaker) Label() string {
	switch s {
	case SpeakerUser:
		return "You"
	case SpeakerBot:
		return "Bot"
	default:
		return string(s)
	}
}

// Turn is one message of a transcript. Turns are values and never change
// after they are appended.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserTurn builds a turn attributed to the user.
func UserTurn(text string) Turn {
	return Turn{Speaker: SpeakerUser, Text: text, CreatedAt: time.Now().UTC()}
}

// BotTurn builds a turn attributed to the bot.
func BotTurn(text string) Turn {
	return Turn{Speaker: SpeakerBot, Text: text, CreatedAt: time.Now().UTC()}
}

// Mode selects how fragments of a reply are recorded.
type Mode string

const (
	// ModeStreamed records every fragment as its own bot turn on arrival.
	ModeStreamed Mode = "streamed"
	// ModeBatched records one bot turn once all fragments arrived.
	ModeBatched Mode = "batched"
)

// ParseMode 解析配置或请求中的模式字符串，空字符串返回 fallback。
func ParseMode(raw string, fallback Mode) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return fallback, nil
	case ModeStreamed:
		return ModeStreamed, nil
	case ModeBatched:
		return ModeBatched, nil
	default:
		return "", fmt.Errorf("unknown response mode %q", raw)
	}
}
