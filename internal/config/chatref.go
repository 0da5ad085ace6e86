package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseChatRef parses "<chat_id>" or "<chat_id>:<thread_id>". Empty input
// yields zeros and no error.
func ParseChatRef(s string) (chatID int64, threadID int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, nil
	}
	idPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err = strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id %q", idPart)
	}
	if hasThread {
		threadID, err = strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("invalid thread id %q", threadPart)
		}
	}
	return chatID, threadID, nil
}
