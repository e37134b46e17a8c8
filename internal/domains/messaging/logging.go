package messaging

import (
	"strings"

	"advocate-chat/go-core/pkg/models"
)

const componentName = "messaging"

// correlationID ties the log lines of one message together.
func correlationID(conv models.ConversationRef, messageID string) string {
	key := conv.Key()
	messageID = strings.TrimSpace(messageID)
	switch {
	case key != "" && messageID != "":
		return key + ":" + messageID
	case messageID != "":
		return messageID
	case key != "":
		return key
	default:
		return "n/a"
	}
}

func (p *Pipeline) logInfo(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", operation,
		"correlation_id", correlationID,
	}
	p.logger.Info(message, append(base, attrs...)...)
}

func (p *Pipeline) logWarn(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", operation,
		"correlation_id", correlationID,
	}
	p.logger.Warn(message, append(base, attrs...)...)
}
