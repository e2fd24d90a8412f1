package conversation

import (
	"strconv"
	"strings"

	"marijobs-go/internal/models"
)

func (e *Engine) onCallback(t *turn) error {
	sess := t.sess
	name, arg, _ := strings.Cut(t.ev.Callback, ":")
	step := sess.Step

	switch name {
	case "vote":
		action, jobID, _ := strings.Cut(arg, ":")
		return e.onVote(t, action, jobID)
	case "continue":
		if step != models.StepAwaitingFeedback {
			break
		}
		return e.returnFromSideStep(t)

	case "toggle":
		if step != models.StepAwaitingCountries {
			break
		}
		return e.toggleCountry(t, arg)
	case "toggle_remote":
		if step != models.StepAwaitingCountries {
			break
		}
		sess.RemoteOnly = !sess.RemoteOnly
		e.showPicker(t, true)
		return nil
	case "search":
		if step != models.StepAwaitingCountries {
			break
		}
		return e.startSearch(t)
	case "back":
		return e.goBack(t)

	case "use_profile", "new_search":
		if step != models.StepAwaitingTerms && step != models.StepIdle {
			break
		}
		if !sess.HasProfile() {
			e.say(t, msgNeedProfile)
			return nil
		}
		sess.Step = models.StepAwaitingCountries
		return e.prompt(t)
	case "change_terms":
		if step != models.StepAwaitingTerms && step != models.StepIdle {
			break
		}
		sess.Step = models.StepAwaitingTerms
		return e.prompt(t)
	case "new_profile":
		return e.newProfile(t)

	case "skip_api_key":
		if step != models.StepAwaitingAPIKey {
			break
		}
		sess.APIKey = ""
		sess.Model = ""
		sess.Step = models.StepAwaitingCV
		return e.prompt(t)
	case "use_default_model":
		switch step {
		case models.StepAwaitingModel:
			sess.Step = models.StepAwaitingCV
			return e.prompt(t)
		case models.StepEditingModel:
			return e.returnFromSideStep(t)
		}
	case "reset_model":
		if step != models.StepEditingModel {
			break
		}
		sess.Model = ""
		e.say(t, "Model reset to <code>"+e.cfg.OpenRouter.Model+"</code>.")
		return e.returnFromSideStep(t)
	case "remove_api_key":
		if step != models.StepEditingAPIKey {
			break
		}
		sess.APIKey = ""
		sess.Model = ""
		e.say(t, msgKeyRemoved)
		return e.returnFromSideStep(t)
	case "cancel_edit":
		if step != models.StepEditingAPIKey && step != models.StepEditingModel {
			break
		}
		e.say(t, msgCancelled)
		return e.returnFromSideStep(t)

	case "interview":
		return e.startInterview(t, arg)
	case "rating":
		if step != models.StepLoggingInterview || sess.Interview == nil || sess.Interview.Field != models.InterviewRating {
			break
		}
		return e.onInterviewAnswer(t, arg)

	case "histpage":
		page, err := strconv.Atoi(arg)
		if err != nil {
			break
		}
		return e.showHistory(t, page)
	case "appstage":
		return e.showStagePicker(t, arg)
	case "setapp":
		jobID, stage, _ := strings.Cut(arg, ":")
		return e.setStage(t, jobID, stage)
	case "close_history":
		e.reply(t, Message{Text: msgHistoryClosed, EditMessageID: t.ev.MessageID})
		return nil
	}

	t.toast = msgStaleButton
	return nil
}
