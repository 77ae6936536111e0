// Package i18n holds the localized templates for the notices the session
// appends on its own: classified errors and interruption messages.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys.
const (
	KeyAuthentication   = "error.authentication"
	KeyConnectivity     = "error.connectivity"
	KeyStreamProcessing = "error.stream"
	KeySubmission       = "error.submission"
	KeyUnexpected       = "error.unexpected"
	KeyDebugDetail      = "error.debug"

	KeyInterrupted      = "interrupt.message"
	KeyPhaseSubmitted   = "interrupt.phase.submitted"
	KeyPhaseStreaming   = "interrupt.phase.streaming"
	KeyPhaseUnspecified = "interrupt.phase.other"
)

var supported = []language.Tag{language.English, language.German}

var templates = map[language.Tag]map[string]string{
	language.English: {
		KeyAuthentication: "**Authentication failed.** The assistant did not accept this session's credentials.\n\n" +
			"Refresh the page or sign in again, and check that your account has permission to use the assistant.",
		KeyConnectivity: "**Cannot reach the assistant.** The request to %s did not get through.\n\n" +
			"Check that the assistant backend is running and that the chat endpoint is configured correctly.",
		KeyStreamProcessing: "**The response stream failed.** The assistant could not finish processing the request.\n\n" +
			"Check the assistant backend and the services it depends on.\n\nDetails: %s",
		KeySubmission: "**Your message could not be sent.** Something went wrong while preparing the request.\n\nDetails: %s",
		KeyUnexpected: "**Something unexpected went wrong.**\n\nDetails: %s",
		KeyDebugDetail: "\n\n---\nerror: `%s`\nendpoint: `%s`",

		KeyInterrupted: "**Request stopped.** You interrupted the assistant during %s. " +
			"Any remaining work may be incomplete. The assistant is ready for a new request.",
		KeyPhaseSubmitted:   "request processing",
		KeyPhaseStreaming:   "response generation",
		KeyPhaseUnspecified: "the current request",
	},
	language.German: {
		KeyAuthentication: "**Anmeldung fehlgeschlagen.** Der Assistent hat die Zugangsdaten dieser Sitzung nicht akzeptiert.\n\n" +
			"Laden Sie die Seite neu oder melden Sie sich erneut an und prüfen Sie, ob Ihr Konto den Assistenten nutzen darf.",
		KeyConnectivity: "**Der Assistent ist nicht erreichbar.** Die Anfrage an %s ist nicht durchgekommen.\n\n" +
			"Prüfen Sie, ob das Assistenz-Backend läuft und der Chat-Endpunkt richtig konfiguriert ist.",
		KeyStreamProcessing: "**Der Antwort-Stream ist abgebrochen.** Der Assistent konnte die Anfrage nicht fertig verarbeiten.\n\n" +
			"Prüfen Sie das Backend und die Dienste, von denen es abhängt.\n\nDetails: %s",
		KeySubmission: "**Ihre Nachricht konnte nicht gesendet werden.** Beim Vorbereiten der Anfrage ist ein Fehler aufgetreten.\n\nDetails: %s",
		KeyUnexpected: "**Ein unerwarteter Fehler ist aufgetreten.**\n\nDetails: %s",
		KeyDebugDetail: "\n\n---\nFehler: `%s`\nEndpunkt: `%s`",

		KeyInterrupted: "**Anfrage gestoppt.** Sie haben den Assistenten während der %s unterbrochen. " +
			"Verbleibende Arbeit ist möglicherweise unvollständig. Der Assistent ist bereit für eine neue Anfrage.",
		KeyPhaseSubmitted:   "Anfrageverarbeitung",
		KeyPhaseStreaming:   "Antwortgenerierung",
		KeyPhaseUnspecified: "laufenden Anfrage",
	},
}

var (
	builder = newCatalog()
	matcher = language.NewMatcher(supported)
)

func newCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, msgs := range templates {
		for key, msg := range msgs {
			if err := b.SetString(tag, key, msg); err != nil {
				panic(err)
			}
		}
	}
	return b
}

// Localizer renders templates for one language.
type Localizer struct {
	tag     language.Tag
	printer *message.Printer
}

// New returns a Localizer for the best supported match of lang (a BCP 47
// tag such as "de-AT"); unknown or empty input falls back to English.
func New(lang string) *Localizer {
	tag := language.English
	if lang != "" {
		if parsed, err := language.Parse(lang); err == nil {
			_, idx, conf := matcher.Match(parsed)
			if conf != language.No {
				tag = supported[idx]
			}
		}
	}
	return &Localizer{tag: tag, printer: message.NewPrinter(tag, message.Catalog(builder))}
}

// Language reports the matched language.
func (l *Localizer) Language() language.Tag {
	return l.tag
}

// Sprintf formats the template stored under key.
func (l *Localizer) Sprintf(key string, args ...any) string {
	return l.printer.Sprintf(key, args...)
}
