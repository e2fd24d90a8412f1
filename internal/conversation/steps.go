package conversation

import (
	"fmt"
	"html"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"marijobs-go/internal/config"
	"marijobs-go/internal/models"
	"marijobs-go/internal/resume"
)

func (e *Engine) onCommand(t *turn, cmd string) error {
	switch cmd {
	case "start":
		return e.cmdStart(t)
	case "new":
		return e.newProfile(t)
	case "terms":
		if !t.sess.HasResume {
			e.say(t, msgNeedCV)
			return nil
		}
		if err := e.stopRun(t); err != nil {
			return err
		}
		t.sess.Step = models.StepAwaitingTerms
		return e.prompt(t)
	case "cv":
		if err := e.stopRun(t); err != nil {
			return err
		}
		t.sess.Step = models.StepAwaitingCV
		return e.prompt(t)
	case "apikey":
		return e.cmdAPIKey(t)
	case "model":
		return e.cmdModel(t)
	case "interview":
		if t.sess.CurrentJobID == "" {
			e.say(t, msgInterviewNoJob)
			return nil
		}
		return e.startInterview(t, t.sess.CurrentJobID)
	case "history":
		return e.showHistory(t, 1)
	case "back":
		return e.goBack(t)
	case "skip":
		return e.skip(t)
	case "status":
		return e.status(t)
	}
	e.say(t, msgUnknownCommand)
	return nil
}

func (e *Engine) onText(t *turn, text string) error {
	sess := t.sess
	switch sess.Step {
	case models.StepAwaitingContact:
		return e.onPhone(t, text)
	case models.StepAwaitingAPIKey:
		return e.onAPIKey(t, text)
	case models.StepAwaitingModel, models.StepEditingModel:
		return e.onModel(t, text)
	case models.StepAwaitingCV:
		e.say(t, msgCVNotDocument)
		return nil
	case models.StepAwaitingTerms:
		return e.onTerms(t, text)
	case models.StepAwaitingCountries:
		e.say(t, msgPickFirst)
		return e.prompt(t)
	case models.StepSearching:
		e.say(t, msgSearchWait)
		return nil
	case models.StepReviewing:
		e.say(t, msgUseButtons)
		return nil
	case models.StepAwaitingFeedback:
		return e.onFeedback(t, text)
	case models.StepLoggingInterview:
		return e.onInterviewAnswer(t, text)
	case models.StepEditingAPIKey:
		return e.onAPIKey(t, text)
	}
	e.say(t, "Send /start to search for jobs.")
	return nil
}

func (e *Engine) onDocument(t *turn) error {
	if t.sess.Step != models.StepAwaitingCV {
		e.say(t, "Send /cv first if you want to replace your CV.")
		return nil
	}
	doc := t.ev.Document
	if doc.Size > resume.MaxFileSize {
		e.say(t, msgCVTooLarge)
		return nil
	}
	data, err := e.files.Download(t.ctx, doc.FileID)
	if err != nil {
		e.logger.Warn("cv download failed", zap.String("individual", t.individual()), zap.Error(err))
		e.say(t, msgCVDownload)
		return nil
	}

	sess := t.sess
	sess.HasResume = true
	text, err := resume.Extract(doc.FileName, data)
	if err != nil {
		e.logger.Info("cv has no readable text",
			zap.String("individual", t.individual()), zap.String("file", doc.FileName), zap.Error(err))
		sess.ResumeText = ""
		sess.NoAINotified = true
		e.say(t, msgCVUnreadable)
	} else {
		sess.ResumeText = text
		sess.NoAINotified = false
		e.say(t, msgCVSaved)
	}
	sess.Step = models.StepAwaitingTerms
	return e.prompt(t)
}

func (e *Engine) cmdStart(t *turn) error {
	sess := t.sess
	if sess.Step.IsSideStep() {
		e.leaveSideStep(sess)
	}
	if !sess.HasProfile() {
		return e.resumeOnboarding(t)
	}

	pending, err := e.cardPending(t)
	if err != nil {
		return err
	}
	queued, err := e.queue.Len(t.ctx, t.individual())
	if err != nil {
		return errors.Wrap(err, "queue length")
	}
	restart := sess.Resumable() && !e.running(t.individual())

	if pending || queued > 0 {
		e.say(t, msgPendingContinue)
		if restart {
			if err := e.resumeRun(t); err != nil {
				return err
			}
		}
		return e.deliver(t)
	}
	if restart {
		e.say(t, msgSearchResumed)
		sess.Step = models.StepSearching
		return e.resumeRun(t)
	}
	if e.running(t.individual()) {
		sess.Step = models.StepSearching
		e.say(t, msgSearchWait)
		return nil
	}

	sess.Step = models.StepAwaitingTerms
	e.reply(t, Message{Text: fmt.Sprintf(msgProfileFound, joinTerms(sess.Terms)), Keyboard: profileKeyboard()})
	return nil
}

// resumeOnboarding re-asks the first thing missing from the profile.
func (e *Engine) resumeOnboarding(t *turn) error {
	sess := t.sess
	e.reply(t, Message{Text: msgGreeting, DisablePreview: true})
	switch sess.Step {
	case models.StepAwaitingContact, models.StepAwaitingAPIKey, models.StepAwaitingModel,
		models.StepAwaitingCV, models.StepAwaitingTerms, models.StepAwaitingCountries:
	default:
		switch {
		case sess.Phone == "":
			sess.Step = models.StepAwaitingContact
		case !sess.HasResume:
			sess.Step = models.StepAwaitingCV
		default:
			sess.Step = models.StepAwaitingTerms
		}
	}
	return e.prompt(t)
}

func (e *Engine) newProfile(t *turn) error {
	if err := e.stopRun(t); err != nil {
		return err
	}
	old := t.sess
	fresh := models.NewSession(old.Individual)
	fresh.Name = old.Name
	fresh.CreatedAt = old.CreatedAt
	*t.sess = *fresh
	return e.prompt(t)
}

// prompt asks for whatever the current step is waiting on.
func (e *Engine) prompt(t *turn) error {
	sess := t.sess
	switch sess.Step {
	case models.StepAwaitingContact:
		e.reply(t, Message{Text: msgAskPhone, RequestContact: true})
	case models.StepAwaitingAPIKey:
		e.reply(t, Message{
			Text:           withBack(msgAskAPIKey),
			Keyboard:       Keyboard{{{Text: "⏭ Skip (no AI)", Data: "skip_api_key"}}},
			DisablePreview: true,
		})
	case models.StepAwaitingModel:
		model := html.EscapeString(e.model(sess))
		e.reply(t, Message{
			Text:     withBack(fmt.Sprintf(msgAskModel, model)),
			Keyboard: Keyboard{{{Text: "✅ Use " + e.model(sess), Data: "use_default_model"}}},
		})
	case models.StepAwaitingCV:
		e.say(t, withBack(msgAskCV))
	case models.StepAwaitingTerms:
		text := msgAskTerms
		if len(sess.Terms) > 0 {
			text += "\n\nCurrent terms: <b>" + joinTerms(sess.Terms) + "</b>"
		}
		e.say(t, text)
	case models.StepAwaitingCountries:
		e.showPicker(t, false)
	case models.StepSearching:
		e.say(t, msgSearchWait)
	case models.StepReviewing:
		return e.deliver(t)
	case models.StepAwaitingFeedback:
		e.say(t, msgFeedbackPrompt)
	case models.StepLoggingInterview:
		e.askInterviewField(t)
	case models.StepEditingAPIKey:
		e.promptEditAPIKey(t)
	case models.StepEditingModel:
		e.promptEditModel(t)
	}
	return nil
}

// parsePhone normalizes a typed or shared number to +<digits>.
func parsePhone(s string) (string, bool) {
	p := config.NormalizePhone(s)
	p = strings.TrimPrefix(p, "+")
	if len(p) < 8 || len(p) > 15 {
		return "", false
	}
	for _, r := range p {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return "+" + p, true
}

func (e *Engine) onPhone(t *turn, text string) error {
	phone, ok := parsePhone(text)
	if !ok {
		e.reply(t, Message{Text: msgPhoneInvalid, RequestContact: true})
		return nil
	}
	sess := t.sess
	sess.Phone = phone
	if e.cfg.IsPrivileged(phone) {
		e.reply(t, Message{Text: msgPrivileged, RemoveKeyboard: true})
		sess.Step = models.StepAwaitingCV
		return e.prompt(t)
	}
	e.reply(t, Message{Text: "✅ Number saved: " + phone, RemoveKeyboard: true})
	sess.Step = models.StepAwaitingAPIKey
	return e.prompt(t)
}

func validToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\n")
}

func (e *Engine) onAPIKey(t *turn, text string) error {
	if !validToken(text) {
		e.say(t, "That does not look like an API key, send it without spaces.")
		return nil
	}
	sess := t.sess
	sess.APIKey = text
	sess.NoAINotified = false
	if sess.Step == models.StepEditingAPIKey {
		e.say(t, msgKeySaved)
		return e.returnFromSideStep(t)
	}
	sess.Step = models.StepAwaitingModel
	return e.prompt(t)
}

func (e *Engine) onModel(t *turn, text string) error {
	if !validToken(text) {
		e.say(t, "Send the model name without spaces (e.g.: <code>openai/gpt-4.1-mini</code>).")
		return nil
	}
	sess := t.sess
	sess.Model = text
	e.say(t, fmt.Sprintf(msgModelSaved, html.EscapeString(text)))
	if sess.Step == models.StepEditingModel {
		return e.returnFromSideStep(t)
	}
	sess.Step = models.StepAwaitingCV
	return e.prompt(t)
}

// splitTerms splits comma separated terms, dropping blanks and repeats.
func splitTerms(text string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(text, ",") {
		term := strings.Join(strings.Fields(part), " ")
		key := strings.ToLower(term)
		if term == "" || seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, term)
	}
	return terms
}

func (e *Engine) onTerms(t *turn, text string) error {
	terms := splitTerms(text)
	if len(terms) == 0 {
		e.say(t, msgTermsEmpty)
		return nil
	}
	sess := t.sess
	sess.Terms = terms
	sess.Countries = nil
	sess.RemoteOnly = false
	sess.Step = models.StepAwaitingCountries
	return e.prompt(t)
}

func (e *Engine) showPicker(t *turn, edit bool) {
	sess := t.sess
	msg := Message{
		Text:     fmt.Sprintf(msgPickCountries, joinTerms(sess.Terms)),
		Keyboard: countryKeyboard(e.cfg, sess.Countries, sess.RemoteOnly),
	}
	if edit && t.ev.MessageID != 0 {
		msg.EditMessageID = t.ev.MessageID
	}
	e.reply(t, msg)
}

func (e *Engine) toggleCountry(t *turn, value string) error {
	known := false
	for _, opt := range e.cfg.Countries {
		if opt.Value == value {
			known = true
			break
		}
	}
	if !known {
		t.toast = msgStaleButton
		return nil
	}
	sess := t.sess
	kept := sess.Countries[:0:0]
	removed := false
	for _, c := range sess.Countries {
		if c == value {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	if !removed {
		kept = append(kept, value)
	}
	sess.Countries = kept
	e.showPicker(t, true)
	return nil
}

func (e *Engine) cmdAPIKey(t *turn) error {
	sess := t.sess
	if e.cfg.IsPrivileged(sess.Phone) {
		e.say(t, msgSharedKey)
		return nil
	}
	if sess.Step == models.StepAwaitingAPIKey {
		return e.prompt(t)
	}
	enterSideStep(sess, models.StepEditingAPIKey)
	return e.prompt(t)
}

func (e *Engine) promptEditAPIKey(t *turn) {
	status := "❌ not set"
	kb := Keyboard{}
	if t.sess.APIKey != "" {
		status = "✅ <code>" + html.EscapeString(maskKey(t.sess.APIKey)) + "</code>"
		kb = append(kb, []Button{{Text: "🗑 Remove key", Data: "remove_api_key"}})
	}
	kb = append(kb, []Button{{Text: "✖️ Cancel", Data: "cancel_edit"}})
	e.reply(t, Message{Text: fmt.Sprintf(msgEditAPIKey, status), Keyboard: kb, DisablePreview: true})
}

func (e *Engine) cmdModel(t *turn) error {
	sess := t.sess
	if e.access(sess).APIKey == "" {
		e.say(t, msgNeedKey)
		return nil
	}
	if sess.Step == models.StepAwaitingModel {
		return e.prompt(t)
	}
	enterSideStep(sess, models.StepEditingModel)
	return e.prompt(t)
}

func (e *Engine) promptEditModel(t *turn) {
	e.reply(t, Message{
		Text: fmt.Sprintf(msgEditModel, html.EscapeString(e.model(t.sess))),
		Keyboard: Keyboard{
			{{Text: "✅ Keep current", Data: "use_default_model"}},
			{{Text: "↩️ Reset to " + e.cfg.OpenRouter.Model, Data: "reset_model"}},
			{{Text: "✖️ Cancel", Data: "cancel_edit"}},
		},
	})
}

// enterSideStep starts a detour; a detour started from another detour
// replaces it and keeps the original return step.
func enterSideStep(sess *models.Session, step models.Step) {
	if !sess.Step.IsSideStep() {
		sess.ReturnStep = sess.Step
	}
	sess.Interview = nil
	sess.Step = step
}

func (e *Engine) leaveSideStep(sess *models.Session) {
	back := sess.ReturnStep
	if back == "" || back.IsSideStep() {
		back = models.StepIdle
	}
	sess.Step = back
	sess.ReturnStep = ""
	sess.Interview = nil
}

func (e *Engine) returnFromSideStep(t *turn) error {
	e.leaveSideStep(t.sess)
	if t.sess.Step == models.StepIdle {
		return nil
	}
	return e.prompt(t)
}

// goBack moves to the predecessor step. Selections made in the step being
// left are dropped; leaving a search cancels the run.
func (e *Engine) goBack(t *turn) error {
	sess := t.sess
	if sess.Step.IsSideStep() {
		e.say(t, msgCancelled)
		return e.returnFromSideStep(t)
	}

	switch sess.Step {
	case models.StepAwaitingContact:
		e.say(t, msgAtBeginning)
		return nil
	case models.StepAwaitingAPIKey:
		sess.Step = models.StepAwaitingContact
	case models.StepAwaitingModel:
		sess.Step = models.StepAwaitingAPIKey
	case models.StepAwaitingCV:
		switch {
		case e.cfg.IsPrivileged(sess.Phone):
			sess.Step = models.StepAwaitingContact
		case sess.APIKey == "":
			sess.Step = models.StepAwaitingAPIKey
		default:
			sess.Step = models.StepAwaitingModel
		}
	case models.StepAwaitingTerms:
		sess.Step = models.StepAwaitingCV
	case models.StepAwaitingCountries:
		sess.Countries = nil
		sess.RemoteOnly = false
		sess.Step = models.StepAwaitingTerms
	case models.StepSearching, models.StepReviewing, models.StepIdle:
		if err := e.stopRun(t); err != nil {
			return err
		}
		sess.Step = models.StepAwaitingCountries
	}
	return e.prompt(t)
}

func (e *Engine) skip(t *turn) error {
	sess := t.sess
	step := sess.Step
	if step.IsSideStep() {
		step = sess.ReturnStep
	}
	if step != models.StepSearching && step != models.StepReviewing {
		e.say(t, msgNoQueue)
		return nil
	}
	if err := e.stopRun(t); err != nil {
		return err
	}
	sess.Step = models.StepIdle
	sess.ReturnStep = ""
	sess.Interview = nil
	e.reply(t, Message{Text: msgSkipped, Keyboard: newSearchKeyboard()})
	return nil
}

func (e *Engine) status(t *turn) error {
	sess := t.sess
	pending, err := e.queue.Len(t.ctx, t.individual())
	if err != nil {
		e.logger.Warn("queue length unavailable", zap.String("individual", t.individual()), zap.Error(err))
	}
	privileged := e.cfg.IsPrivileged(sess.Phone)
	e.say(t, renderStatus(statusView{
		Session:    sess,
		Privileged: privileged,
		SharedKey:  privileged && e.cfg.OpenRouter.APIKey != "",
		Model:      e.model(sess),
		Pending:    pending,
		Run:        e.progress(t.individual()),
	}))
	return nil
}
