package conversation

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"marijobs-go/internal/config"
	"marijobs-go/internal/models"
	"marijobs-go/internal/review"
)

const (
	msgGreeting = "<b>MariJobs Bot</b>\n\n" +
		"I search for jobs across several sources and use AI to check\n" +
		"how relevant each one is to your CV.\n\n" +
		"<b>How it works:</b>\n" +
		"1. Share your contact (phone)\n" +
		"2. Send your CV\n" +
		"3. Enter search terms (e.g.: microfluidics, postdoc)\n" +
		"4. Choose countries and search\n" +
		"5. Rate each job individually (👍/👎)\n\n" +
		"<b>Commands:</b>\n" +
		"/start - Start (uses saved profile if it exists)\n" +
		"/new - Create profile from scratch\n" +
		"/terms - Change search terms only\n" +
		"/cv - Resend CV\n" +
		"/apikey - Change OpenRouter API key\n" +
		"/model - Change AI model\n" +
		"/interview - Log interview experience\n" +
		"/history - View voted jobs and track applications\n" +
		"/back - Go back to previous step\n" +
		"/status - View your current profile\n" +
		"/skip - Discard pending jobs"

	msgAskPhone = "<b>Step 1 - Share your contact</b>\n\n" +
		"Tap the <b>Share contact</b> button that appears\n" +
		"in place of the keyboard.\n\n" +
		"Or send your number manually (e.g.: <code>+351912345678</code>)."

	msgAskAPIKey = "<b>OpenRouter Key</b>\n\n" +
		"To use AI in job analysis, send your\n" +
		"<a href=\"https://openrouter.ai/keys\">OpenRouter</a> API key.\n\n" +
		"It will be saved securely for future searches.\n\n" +
		"Or tap <b>Skip</b> to see jobs without AI analysis\n" +
		"(the job description will be shown instead)."

	msgAskModel = "<b>AI Model</b>\n\n" +
		"Current model: <code>%s</code>\n\n" +
		"Send the model name to change\n" +
		"(e.g.: <code>z-ai/glm-4.5-air:free</code>)\n" +
		"or tap the button to use the current one."

	msgAskCV = "<b>Step 2 - Send your CV</b>\n\n" +
		"Send a <b>PDF</b> file with your CV.\n" +
		"It will be saved so you don't need to send it again."

	msgAskTerms = "<b>Step 3 - Search terms</b>\n\n" +
		"Send the terms separated by <b>comma</b>.\n" +
		"Example: <i>microfluidics, postdoc, R&amp;D engineer</i>\n\n" +
		"/back to resend the CV"

	msgPickCountries = "<b>Step 4 - Countries</b>\n" +
		"Terms: <b>%s</b>\n\n" +
		"Tap countries to check/uncheck.\n" +
		"Enable <b>Remote</b> to search only remote jobs.\n" +
		"Then tap <b>Search</b>."

	msgProfileFound = "<b>Profile found!</b>\n\n" +
		"CV: ✅ saved\n" +
		"Terms: <b>%s</b>\n\n" +
		"Choose an option:"

	msgEditAPIKey = "<b>Change API Key</b>\n\n" +
		"Current status: %s\n\n" +
		"Send the new <a href=\"https://openrouter.ai/keys\">OpenRouter</a> API key\n" +
		"or choose an option below."

	msgEditModel = "<b>Change AI model</b>\n\n" +
		"Current model: <code>%s</code>\n\n" +
		"Send the new model name\n" +
		"(e.g.: <code>z-ai/glm-4.5-air:free</code>)\n" +
		"or choose an option below."

	msgAskSalary = "<b>Interview - Salary</b>\n\n" +
		"What was the offered salary/salary range?\n" +
		"(e.g.: <code>45000-55000</code> or <code>3500/month</code>)\n\n" +
		"Send <b>skip</b> to omit."
	msgAskCurrency = "<b>Interview - Currency</b>\n\nWhich currency? (e.g.: BRL, EUR, USD, GBP)"
	msgAskStages   = "<b>Interview - Stages</b>\n\n" +
		"Describe the process stages.\n" +
		"(e.g.: <code>1 HR call, 1 technical, 1 final with manager</code>)\n\n" +
		"Send <b>skip</b> to omit."
	msgAskRating = "<b>Interview - Rating</b>\n\n" +
		"How do you rate the process? (1-5)\n" +
		"1 = Terrible, 5 = Excellent"
	msgAskNotes = "<b>Interview - Experience</b>\n\n" +
		"Describe how the experience was.\n" +
		"(free text, tips for other candidates)\n\n" +
		"Send <b>skip</b> to omit."

	msgTryAgain        = "Something went wrong, please try again."
	msgUnknownCommand  = "Unknown command. Send /start to see what I can do."
	msgPrivileged      = "✅ Number recognized! AI analysis is enabled for you."
	msgPhoneInvalid    = "Invalid number. Send it with the country code (e.g.: <code>+351912345678</code>)."
	msgCVNotDocument   = "Send your CV as a <b>file</b> (PDF preferred)."
	msgCVDownload      = "Could not download the file, please send it again."
	msgCVTooLarge      = "The file is too large (max 10 MB)."
	msgCVUnreadable    = "⚠️ I could not read any text from your CV, so jobs will be shown without AI analysis. Send /cv to try another file."
	msgCVSaved         = "✅ CV saved!"
	msgTermsEmpty      = "Send at least one term, separated by commas."
	msgPickFirst       = "Tap the countries, then <b>Search</b>."
	msgNoCountry       = "Select at least one country!"
	msgSearchRunning   = "A search is already running. Use /skip to stop it."
	msgSearchWait      = "🔎 Still searching, new jobs will show up here."
	msgUseButtons      = "Use the buttons on the job card to vote, or /skip to stop."
	msgStaleButton     = "This button has expired."
	msgNoQueue         = "No pending jobs. Use /start to search."
	msgSkipped         = "Pending jobs discarded. Use /start for a new search."
	msgAtBeginning     = "You are already at the first step."
	msgCancelled       = "Cancelled."
	msgNeedProfile     = "Set up your profile first with /start."
	msgNeedCV          = "Send your CV first with /cv."
	msgSharedKey       = "Your number uses the shared AI key, there is nothing to change."
	msgNeedKey         = "Set an API key first with /apikey."
	msgKeySaved        = "✅ API key saved."
	msgKeyRemoved      = "API key removed. Jobs will be shown without AI analysis."
	msgModelSaved      = "✅ Model set to <code>%s</code>."
	msgNoAI            = "ℹ️ Jobs are shown without AI analysis. Use /apikey to add an OpenRouter key."
	msgFeedbackPrompt  = "Vote saved. Send a comment about this job if you want, or tap <b>Continue</b>."
	msgFeedbackSaved   = "✅ Feedback saved."
	msgNoRelevantVote  = "Mark the job as relevant first."
	msgInterviewNoJob  = "Vote 👍 on a job first, then log the interview."
	msgInterviewSaved  = "✅ Interview registered, thank you!"
	msgRatingInvalid   = "Send a number from 1 to 5."
	msgHistoryEmpty    = "No voted jobs yet. Search and vote on jobs first!"
	msgHistoryClosed   = "History closed."
	msgSearchFailed    = "⚠️ The search stopped because of an error. Send /start to resume it."
	msgSearchResumed   = "🔄 Resuming your interrupted search..."
	msgPendingContinue = "You have pending jobs. Continuing..."
)

func withBack(text string) string {
	return text + "\n\n/back to go to the previous step"
}

// stars renders a score as repeated star emoji.
func stars(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("⭐", n)
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

// renderCard formats one job card. position counts from 1 and total includes
// the jobs still queued.
func renderCard(card review.Card, position, total int) string {
	job := card.Job
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Job %d/%d</b>\n\n", position, total)
	if s := stars(card.Score); s != "" && card.Reviewed {
		b.WriteString(s + " ")
	}
	fmt.Fprintf(&b, "<b>%s</b>\n", html.EscapeString(orNA(job.Title)))
	fmt.Fprintf(&b, "%s | %s | %s",
		html.EscapeString(orNA(job.Company)),
		html.EscapeString(orNA(job.Location)),
		html.EscapeString(string(job.Source)))

	switch {
	case card.Reviewed:
		fmt.Fprintf(&b, "\n<i>%s: %s</i>", html.EscapeString(card.Verdict), html.EscapeString(card.Reason))
		if card.Message != "" {
			fmt.Fprintf(&b, "\n\n✉️ <b>Suggested message:</b>\n<i>%s</i>", html.EscapeString(card.Message))
		}
	case card.Excerpt != "":
		b.WriteString("\n\n" + html.EscapeString(card.Excerpt))
	}
	if card.AIFailed {
		b.WriteString("\n\n<i>AI analysis unavailable for this job.</i>")
	}
	if job.URL != "" {
		fmt.Fprintf(&b, "\n\n<a href=\"%s\">View job</a>", html.EscapeString(job.URL))
	}
	if card.Votes.Total > 0 {
		fmt.Fprintf(&b, "\n\n👥 %d review(s): 👍 %d | 👎 %d", card.Votes.Total, card.Votes.Up, card.Votes.Down)
	}
	if card.Interviews.Count > 0 {
		avg := card.Interviews.AvgRating
		fmt.Fprintf(&b, "\n\n📋 %d interview(s) %s (%s/5)",
			card.Interviews.Count, stars(int(avg+0.5)), strconv.FormatFloat(avg, 'f', -1, 64))
	}
	return b.String()
}

func voteKeyboard(jobID string) Keyboard {
	return Keyboard{
		{
			{Text: "👍 Relevant", Data: "vote:up:" + jobID},
			{Text: "👎 Not relevant", Data: "vote:down:" + jobID},
		},
		{{Text: "⏭ Skip", Data: "vote:skip:" + jobID}},
	}
}

func feedbackKeyboard(jobID string, verdict models.Verdict) Keyboard {
	kb := Keyboard{{{Text: "▶️ Continue", Data: "continue"}}}
	if verdict == models.VerdictRelevant {
		kb = append(kb,
			[]Button{{Text: "📋 Log interview", Data: "interview:" + jobID}},
			[]Button{{Text: "📌 Track application", Data: "appstage:" + jobID}})
	}
	return kb
}

func renderDiscarded(card review.Card) string {
	text := fmt.Sprintf("🚫 Discarded: <b>%s</b> (%s)\nNot relevant to your profile (%d/5).",
		html.EscapeString(orNA(card.Job.Title)), html.EscapeString(orNA(card.Job.Company)), card.Score)
	if card.Job.URL != "" {
		text += fmt.Sprintf(" <a href=\"%s\">View anyway</a>", html.EscapeString(card.Job.URL))
	}
	return text
}

func renderAllDone(delivered, discarded int) string {
	if delivered == 0 && discarded == 0 {
		return "No jobs found for this search. Try other terms or countries."
	}
	text := "🏁 All jobs have been evaluated!"
	if discarded > 0 {
		text += fmt.Sprintf("\n%d job(s) were discarded as not relevant.", discarded)
	}
	return text
}

func newSearchKeyboard() Keyboard {
	return Keyboard{{{Text: "🔎 New search", Data: "new_search"}}}
}

func joinTerms(terms []string) string {
	return html.EscapeString(strings.Join(terms, ", "))
}

func countryKeyboard(cfg *config.Config, selected []string, remote bool) Keyboard {
	picked := make(map[string]bool, len(selected))
	for _, c := range selected {
		picked[c] = true
	}
	var kb Keyboard
	var row []Button
	for _, opt := range cfg.Countries {
		label := opt.Label
		if picked[opt.Value] {
			label = "✅ " + label
		}
		row = append(row, Button{Text: label, Data: "toggle:" + opt.Value})
		if len(row) == 2 {
			kb = append(kb, row)
			row = nil
		}
	}
	if len(row) > 0 {
		kb = append(kb, row)
	}
	remoteLabel := "🏠 Remote"
	if remote {
		remoteLabel = "✅ 🏠 Remote"
	}
	kb = append(kb,
		[]Button{{Text: remoteLabel, Data: "toggle_remote"}},
		[]Button{{Text: "◀️ Back", Data: "back"}, {Text: "🔎 Search", Data: "search"}})
	return kb
}

func profileKeyboard() Keyboard {
	return Keyboard{
		{{Text: "🔎 Search with saved terms", Data: "use_profile"}},
		{{Text: "✏️ Change terms", Data: "change_terms"}},
		{{Text: "🆕 New profile", Data: "new_profile"}},
	}
}

func ratingKeyboard() Keyboard {
	row := make([]Button, 0, 5)
	for i := 1; i <= 5; i++ {
		n := strconv.Itoa(i)
		row = append(row, Button{Text: n + " ⭐", Data: "rating:" + n})
	}
	return Keyboard{row}
}

// maskKey shows the first and last four characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func renderHistory(items []models.HistoryItem, page, totalPages, offset int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>📋 Your voted jobs</b> (page %d/%d)\n\n", page, totalPages)
	for i, item := range items {
		icon := "👍"
		if item.Verdict == models.VerdictNotRelevant {
			icon = "👎"
		}
		fmt.Fprintf(&b, "%d. %s <b>%s</b>\n   %s", offset+i+1, icon,
			html.EscapeString(orNA(item.Job.Title)), html.EscapeString(orNA(item.Job.Company)))
		if item.Stage != "" {
			b.WriteString(" | " + item.Stage.Label())
		}
		if item.Job.URL != "" {
			fmt.Fprintf(&b, " | <a href=\"%s\">Link</a>", html.EscapeString(item.Job.URL))
		}
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func historyKeyboard(items []models.HistoryItem, page, totalPages int) Keyboard {
	var kb Keyboard
	for _, item := range items {
		if item.Verdict != models.VerdictRelevant {
			continue
		}
		text := "📌 Track"
		if item.Stage != "" {
			text = "✏️ " + item.Stage.Label()
		}
		kb = append(kb, []Button{{Text: text + ": " + truncateLabel(item.Job.Title, 24), Data: "appstage:" + item.Job.ID}})
	}
	var nav []Button
	if page > 1 {
		nav = append(nav, Button{Text: "◀️ Previous", Data: "histpage:" + strconv.Itoa(page-1)})
	}
	if page < totalPages {
		nav = append(nav, Button{Text: "Next ▶️", Data: "histpage:" + strconv.Itoa(page+1)})
	}
	if len(nav) > 0 {
		kb = append(kb, nav)
	}
	return append(kb, []Button{{Text: "❌ Close", Data: "close_history"}})
}

func truncateLabel(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

func renderStagePicker(title string, current models.Stage) string {
	text := fmt.Sprintf("<b>Track application</b>\n%s\n\nSelect current stage:", html.EscapeString(orNA(title)))
	if current != "" {
		text += "\nNow: <b>" + current.Label() + "</b>"
	}
	return text
}

func stageKeyboard(jobID string, current models.Stage) Keyboard {
	var kb Keyboard
	for _, stage := range models.Stages {
		label := stage.Label()
		if stage == current {
			label = "✅ " + label
		}
		kb = append(kb, []Button{{Text: label, Data: "setapp:" + jobID + ":" + string(stage)}})
	}
	return append(kb, []Button{{Text: "◀️ Back to history", Data: "histpage:1"}})
}

// statusView is what /status shows.
type statusView struct {
	Session    *models.Session
	Privileged bool
	SharedKey  bool
	Model      string
	Pending    int
	Run        *runProgress
}

func renderStatus(v statusView) string {
	s := v.Session
	check := func(ok bool) string {
		if ok {
			return "✅"
		}
		return "❌"
	}
	var b strings.Builder
	b.WriteString("<b>Your profile</b>\n\n")
	phone := orNA(s.Phone)
	if v.Privileged {
		phone += " ⭐"
	}
	fmt.Fprintf(&b, "Phone: %s\n", html.EscapeString(phone))
	fmt.Fprintf(&b, "CV: %s\n", check(s.HasResume))
	if len(s.Terms) > 0 {
		fmt.Fprintf(&b, "Terms: <b>%s</b>\n", joinTerms(s.Terms))
	} else {
		b.WriteString("Terms: N/A\n")
	}
	switch {
	case v.SharedKey:
		b.WriteString("API key: ✅ shared\n")
	case s.APIKey != "":
		fmt.Fprintf(&b, "API key: ✅ <code>%s</code>\n", html.EscapeString(maskKey(s.APIKey)))
	default:
		b.WriteString("API key: ❌ (no AI analysis)\n")
	}
	fmt.Fprintf(&b, "Model: <code>%s</code>\n", html.EscapeString(v.Model))
	fmt.Fprintf(&b, "Step: %s\n", strings.ReplaceAll(string(s.Step), "_", " "))
	fmt.Fprintf(&b, "Pending jobs: %d", v.Pending)
	if v.Run != nil {
		fmt.Fprintf(&b, "\nSearch: phase %d, %d of %d tasks left", v.Run.Phase, v.Run.Remaining, v.Run.Total)
	}
	return b.String()
}
