package bot

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/crumb-backend/api/middleware"
	"github.com/angelmondragon/crumb-backend/api/responses"
	"github.com/angelmondragon/crumb-backend/api/validators"
	"github.com/angelmondragon/crumb-backend/internal/approvals"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

const maxReasonLength = 500

type approvalService interface {
	Approve(ctx context.Context, orderID uuid.UUID, actor enums.Actor, actorID string) (*approvals.Result, error)
	Reject(ctx context.Context, orderID uuid.UUID, actor enums.Actor, actorID, reason string) (*approvals.Result, error)
}

// Command is a parsed inline-button payload.
type Command struct {
	Approve bool
	OrderID uuid.UUID
	Reason  string
}

// callbackUpdate is the subset of the bot platform's update the handler reads.
type callbackUpdate struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From struct {
			ID       int64  `json:"id"`
			Username string `json:"username,omitempty"`
		} `json:"from"`
		Message struct {
			MessageID int64 `json:"message_id"`
			Chat      struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

type callbackResponse struct {
	CallbackID string            `json:"callback_id"`
	Text       string            `json:"text"`
	Result     *approvals.Result `json:"result"`
}

// ParseCallbackData reads `approve:<order id>` or `reject:<order id>[:<reason>]`.
func ParseCallbackData(data string) (Command, error) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) < 2 {
		return Command{}, pkgerrors.New(pkgerrors.CodeValidation, "callback data must be <action>:<order id>")
	}

	var cmd Command
	switch strings.ToLower(parts[0]) {
	case "approve":
		cmd.Approve = true
	case "reject":
		if len(parts) == 3 {
			cmd.Reason = validators.SanitizeString(parts[2], maxReasonLength)
		}
	default:
		return Command{}, pkgerrors.Newf(pkgerrors.CodeValidation, "unknown callback action %q", parts[0])
	}

	orderID, err := uuid.Parse(strings.TrimSpace(parts[1]))
	if err != nil {
		return Command{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid order id in callback")
	}
	cmd.OrderID = orderID
	return cmd, nil
}

// Callback routes an approval button press into the shared decision path.
// BotAuth has already authenticated the chat.
func Callback(svc approvalService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "approval service unavailable"))
			return
		}

		var update callbackUpdate
		if err := validators.DecodeJSONBodyLenient(r, &update); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		cmd, err := ParseCallbackData(update.CallbackQuery.Data)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{
				"callback_id": update.CallbackQuery.ID,
				"order_id":    cmd.OrderID.String(),
			})
		}

		actor, actorID := middleware.ActorFromContext(ctx)
		var result *approvals.Result
		if cmd.Approve {
			result, err = svc.Approve(ctx, cmd.OrderID, actor, actorID)
		} else {
			result, err = svc.Reject(ctx, cmd.OrderID, actor, actorID, cmd.Reason)
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteSuccess(w, callbackResponse{
			CallbackID: update.CallbackQuery.ID,
			Text:       replyText(cmd, result),
			Result:     result,
		})
	}
}

func replyText(cmd Command, result *approvals.Result) string {
	if result == nil {
		return ""
	}
	if !result.Applied {
		return result.Message
	}
	number := ""
	if result.Order != nil {
		number = result.Order.OrderNumber
	}
	if cmd.Approve {
		return "approved " + number
	}
	return "rejected " + number
}
