package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/crumb-backend/api/responses"
	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

// BotSecretHeader carries the secret the bot platform was registered with.
const BotSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxBotBodyBytes = 64 << 10

// RateLimiter counts calls per scope in fixed windows.
type RateLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// BotAuth admits bot callbacks that carry the shared secret and originate from an allowed chat.
// Each chat is throttled with a fixed window counter.
func BotAuth(cfg config.BotConfig, limiter RateLimiter, logg *logger.Logger) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(cfg.AllowedChatIDs))
	for _, id := range cfg.AllowedChatIDs {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if cfg.SecretToken == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "bot callbacks disabled"))
				return
			}
			provided := r.Header.Get(BotSecretHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.SecretToken)) != 1 {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid bot secret"))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBotBodyBytes))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			chatID, userID := callbackOrigin(body)
			if chatID == "" {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "callback chat missing"))
				return
			}
			if _, ok := allowed[chatID]; !ok {
				if logg != nil {
					logg.Warn(logg.WithField(ctx, "chat_id", chatID), "bot.chat.rejected")
				}
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "chat not allowed"))
				return
			}

			if limiter != nil && cfg.RateLimit > 0 && cfg.RateWindow > 0 {
				ok, count, err := limiter.FixedWindowAllow(ctx, "bot:"+chatID, int64(cfg.RateLimit), cfg.RateWindow)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				}
				if !ok {
					if logg != nil {
						logg.Warn(logg.WithFields(ctx, map[string]any{
							"chat_id":        chatID,
							"attempts":       count,
							"limit":          cfg.RateLimit,
							"window_seconds": int(cfg.RateWindow.Seconds()),
						}), "bot.rate_limit.blocked")
					}
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
					return
				}
			}

			actorID := "chat:" + chatID
			if userID != "" {
				actorID += ":user:" + userID
			}
			ctx = WithActor(ctx, enums.ActorBot, actorID)
			if logg != nil {
				ctx = logg.WithActor(ctx, string(enums.ActorBot))
				ctx = logg.WithField(ctx, "actor_id", actorID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func callbackOrigin(payload []byte) (chatID, userID string) {
	var body struct {
		CallbackQuery struct {
			From struct {
				ID int64 `json:"id"`
			} `json:"from"`
			Message struct {
				Chat struct {
					ID int64 `json:"id"`
				} `json:"chat"`
			} `json:"message"`
		} `json:"callback_query"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", ""
	}
	if body.CallbackQuery.Message.Chat.ID != 0 {
		chatID = strconv.FormatInt(body.CallbackQuery.Message.Chat.ID, 10)
	}
	if body.CallbackQuery.From.ID != 0 {
		userID = strconv.FormatInt(body.CallbackQuery.From.ID, 10)
	}
	return chatID, userID
}
