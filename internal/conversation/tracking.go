package conversation

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"marijobs-go/internal/models"
	"marijobs-go/internal/storage"
	"marijobs-go/internal/tracker"
)

const defaultHistoryPageSize = 5

func (e *Engine) onVote(t *turn, action, jobID string) error {
	sess := t.sess
	if sess.Step != models.StepReviewing || jobID == "" || jobID != sess.CurrentJobID {
		t.toast = msgStaleButton
		return nil
	}
	if action == "skip" {
		t.toast = "⏭"
		e.dropButtons(t)
		return e.showNext(t)
	}
	verdict, ok := models.ParseVerdict(action)
	if !ok {
		t.toast = msgStaleButton
		return nil
	}
	if err := e.review.RecordVote(t.ctx, t.individual(), jobID, verdict); err != nil {
		return err
	}

	t.toast = "👍"
	if verdict == models.VerdictNotRelevant {
		t.toast = "👎"
	}
	e.dropButtons(t)
	enterSideStep(sess, models.StepAwaitingFeedback)
	e.reply(t, Message{Text: msgFeedbackPrompt, Keyboard: feedbackKeyboard(jobID, verdict)})
	return nil
}

// dropButtons removes the keyboard of the message that carried the callback.
func (e *Engine) dropButtons(t *turn) {
	if t.ev.MessageID == 0 {
		return
	}
	e.reply(t, Message{EditMessageID: t.ev.MessageID})
}

func (e *Engine) onFeedback(t *turn, text string) error {
	if err := e.review.SaveFeedback(t.ctx, t.individual(), t.sess.CurrentJobID, text); err != nil {
		if strings.TrimSpace(text) == "" {
			return e.returnFromSideStep(t)
		}
		return err
	}
	e.say(t, msgFeedbackSaved)
	return e.returnFromSideStep(t)
}

// relevant reports whether the individual voted the job relevant.
func (e *Engine) relevant(t *turn, jobID string) (bool, error) {
	vote, err := e.store.GetVote(t.ctx, t.individual(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "load vote")
	}
	return vote.Verdict == models.VerdictRelevant, nil
}

func (e *Engine) notRelevant(t *turn) {
	if t.ev.CallbackID != "" {
		t.toast = msgNoRelevantVote
		return
	}
	e.say(t, msgNoRelevantVote)
}

func (e *Engine) startInterview(t *turn, jobID string) error {
	ok, err := e.relevant(t, jobID)
	if err != nil {
		return err
	}
	if !ok {
		e.notRelevant(t)
		return nil
	}
	enterSideStep(t.sess, models.StepLoggingInterview)
	t.sess.Interview = &models.InterviewDraft{JobID: jobID, Field: models.InterviewSalary}
	e.askInterviewField(t)
	return nil
}

func (e *Engine) askInterviewField(t *turn) {
	d := t.sess.Interview
	if d == nil {
		return
	}
	switch d.Field {
	case models.InterviewSalary:
		e.say(t, msgAskSalary)
	case models.InterviewCurrency:
		e.say(t, msgAskCurrency)
	case models.InterviewStages:
		e.say(t, msgAskStages)
	case models.InterviewRating:
		e.reply(t, Message{Text: msgAskRating, Keyboard: ratingKeyboard()})
	case models.InterviewNotes:
		e.say(t, msgAskNotes)
	}
}

func isSkip(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), "skip")
}

// onInterviewAnswer fills the draft one field at a time:
// salary, currency, stages, rating, notes.
func (e *Engine) onInterviewAnswer(t *turn, text string) error {
	d := t.sess.Interview
	if d == nil {
		return e.returnFromSideStep(t)
	}
	text = strings.TrimSpace(text)

	switch d.Field {
	case models.InterviewSalary:
		if isSkip(text) || text == "" {
			d.Field = models.InterviewStages
		} else {
			d.Salary = text
			d.Field = models.InterviewCurrency
		}
	case models.InterviewCurrency:
		if !isSkip(text) {
			currency, err := tracker.NormalizeCurrency(text)
			if err != nil {
				e.say(t, err.Error())
				return nil
			}
			d.Currency = currency
		}
		d.Field = models.InterviewStages
	case models.InterviewStages:
		if !isSkip(text) {
			d.Stages = text
		}
		d.Field = models.InterviewRating
	case models.InterviewRating:
		n, err := strconv.Atoi(text)
		if err != nil || n < 1 || n > 5 {
			e.reply(t, Message{Text: msgRatingInvalid, Keyboard: ratingKeyboard()})
			return nil
		}
		d.Rating = n
		d.Field = models.InterviewNotes
	case models.InterviewNotes:
		notes := text
		if isSkip(notes) {
			notes = ""
		}
		return e.saveInterview(t, notes)
	}
	e.askInterviewField(t)
	return nil
}

func (e *Engine) saveInterview(t *turn, notes string) error {
	d := t.sess.Interview
	err := e.tracker.LogInterview(t.ctx, t.individual(), d.JobID, models.Interview{
		Salary:   d.Salary,
		Currency: d.Currency,
		Stages:   d.Stages,
		Rating:   d.Rating,
		Notes:    notes,
	})
	var ve *tracker.ValidationError
	switch {
	case errors.As(err, &ve):
		e.say(t, ve.Msg)
		d.Field = models.InterviewRating
		e.askInterviewField(t)
		return nil
	case errors.Is(err, tracker.ErrNoRelevantVote):
		e.say(t, msgNoRelevantVote)
		return e.returnFromSideStep(t)
	case err != nil:
		return err
	}
	e.say(t, msgInterviewSaved)
	return e.returnFromSideStep(t)
}

func (e *Engine) historyPageSize() int {
	if n := e.cfg.App.HistoryPageSize; n > 0 {
		return n
	}
	return defaultHistoryPageSize
}

func (e *Engine) showHistory(t *turn, page int) error {
	size := e.historyPageSize()
	if page < 1 {
		page = 1
	}
	items, total, err := e.store.History(t.ctx, t.individual(), (page-1)*size, size)
	if err != nil {
		return errors.Wrap(err, "load history")
	}
	if total == 0 {
		e.say(t, msgHistoryEmpty)
		return nil
	}
	totalPages := (total + size - 1) / size
	if page > totalPages {
		page = totalPages
		items, _, err = e.store.History(t.ctx, t.individual(), (page-1)*size, size)
		if err != nil {
			return errors.Wrap(err, "load history")
		}
	}
	msg := Message{
		Text:           renderHistory(items, page, totalPages, (page-1)*size),
		Keyboard:       historyKeyboard(items, page, totalPages),
		DisablePreview: true,
	}
	if t.ev.Callback != "" {
		msg.EditMessageID = t.ev.MessageID
	}
	e.reply(t, msg)
	return nil
}

func (e *Engine) showStagePicker(t *turn, jobID string) error {
	ok, err := e.relevant(t, jobID)
	if err != nil {
		return err
	}
	if !ok {
		e.notRelevant(t)
		return nil
	}
	stage, err := e.currentStage(t, jobID)
	if err != nil {
		return err
	}
	title := ""
	if job, err := e.store.GetJob(t.ctx, jobID); err == nil {
		title = job.Title
	}
	e.reply(t, Message{Text: renderStagePicker(title, stage), Keyboard: stageKeyboard(jobID, stage)})
	return nil
}

func (e *Engine) currentStage(t *turn, jobID string) (models.Stage, error) {
	app, err := e.tracker.Application(t.ctx, t.individual(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return app.Stage, nil
}

func (e *Engine) setStage(t *turn, jobID, raw string) error {
	stage, ok := models.ParseStage(raw)
	if !ok {
		t.toast = msgStaleButton
		return nil
	}
	app, err := e.tracker.RequestTransition(t.ctx, t.individual(), jobID, stage)
	var ve *tracker.ValidationError
	switch {
	case errors.Is(err, tracker.ErrNoRelevantVote):
		e.notRelevant(t)
		return nil
	case errors.As(err, &ve):
		t.toast = ve.Msg
		return nil
	case err != nil:
		return err
	}

	t.toast = "Saved: " + app.Stage.Label()
	title := ""
	if job, err := e.store.GetJob(t.ctx, jobID); err == nil {
		title = job.Title
	}
	e.reply(t, Message{
		Text:          renderStagePicker(title, app.Stage),
		Keyboard:      stageKeyboard(jobID, app.Stage),
		EditMessageID: t.ev.MessageID,
	})
	return nil
}
