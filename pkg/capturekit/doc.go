// Package capturekit is the capture core of a client-side analytics agent.
//
// A Client turns Capture, Identify and Group calls into finished event
// envelopes and hands them to a delivery gateway. Around each call it keeps
// the identity context the event is recorded under:
//
//   - the distinct id, anonymous until Identify is called
//   - the session and window ids, rolled over after 30 minutes idle
//   - group memberships, attached to every event as $groups
//   - super properties registered by the caller
//
// # Quick Start
//
//	client, err := capturekit.New(capturekit.Config{
//	    Token:   "phc_project_token",
//	    APIHost: "https://app.example.com",
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.Capture("signed_up", event.Properties{"plan": "pro"})
//	client.Identify("user-42", event.Properties{"email": "a@example.com"}, nil)
//	client.Group("organization", "org::5", nil)
//
// # Malformed Input
//
// Capture, Identify and Group never return errors and never panic. An empty
// event name, distinct id, group type or group key is logged at WARN and
// ignored: nothing is captured and no state changes.
//
// # Hooks
//
// Caller hooks (the Loaded callback, the sanitizer, capture hooks) run under
// recover. A panicking capture hook does not stop the hooks after it. A
// panicking sanitizer drops the event.
//
// # Concurrency
//
// A Client is safe for concurrent use. Public operations are serialised, so
// property assembly always observes the identity and session state as of the
// call. Delivery happens in the background and never feeds back into that
// state.
package capturekit
