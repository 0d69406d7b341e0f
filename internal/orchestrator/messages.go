package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/harvestbot/api/schemas"
)

// User facing replies.
const (
	msgUnauthorized    = "❌ You are not authorized to use this bot."
	msgSessionExpired  = "Session expired. Please try /start again."
	msgNoSession       = "Please start with /invoice, /stock, or /inventory."
	msgUnknownCommand  = "Unknown command. Please start with /invoice, /stock, or /inventory."
	msgAskDate         = "📅 Please enter the invoice date (DD-MM-YYYY):"
	msgInvalidDate     = "Invalid date format. Use DD-MM-YYYY."
	msgPreparing       = "🔄 Opening the portal login page..."
	msgStillPreparing  = "⏳ Still preparing the login page, please wait for the CAPTCHA."
	msgCaptchaPrompt   = "Please reply with the CAPTCHA text:"
	msgProcessing      = "⏳ Processing your task... Please wait."
	msgBusy            = "⚠️ A task is already running. Send /cancel to stop it."
	msgCompleted       = "✅ Task completed!"
	msgCancelled       = "🛑 Task cancelled."
	msgNothingToCancel = "There is no task to cancel."
	msgShuttingDown    = "The bot is restarting, please try again in a minute."
)

const msgWelcome = `👋 Welcome! Choose a task:
/invoice - download invoices for a date
/stock - collect depot stock levels
/inventory - download warehouse inventory reports
/cancel - stop the current task`

// failureMessage is the single explicit message a user gets when their job fails.
func failureMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "❌ The task took too long and was stopped."
	case errors.Is(err, schemas.ErrAgentAcquisitionFailed):
		return "❌ Could not start a browser. Please try again later."
	case errors.Is(err, schemas.ErrCaptchaCaptureFailed):
		return "❌ Could not load the CAPTCHA. Please try again."
	case errors.Is(err, schemas.ErrAuthenticationFailed):
		return "❌ Login failed. The CAPTCHA or credentials were rejected. Please try again."
	case errors.Is(err, schemas.ErrDatasetUnavailable):
		return "❌ The target list could not be loaded."
	case errors.Is(err, schemas.ErrAgentUnusable):
		return "❌ The browser stopped responding. Please try again."
	case errors.Is(err, schemas.ErrPackagingFailed):
		return "❌ The results could not be packaged."
	}
	return fmt.Sprintf("❌ Task failed: %v", err)
}

// summary is the caption attached to the delivered archive.
func summary(m schemas.Module, r schemas.JobReport) string {
	s := fmt.Sprintf("%s: %d of %d targets collected", m, r.Succeeded, r.Attempted)
	if r.Failed > 0 {
		s += fmt.Sprintf(", %d failed (see report.txt)", r.Failed)
	}
	return s
}
