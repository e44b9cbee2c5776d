/*
Package accounts is the application served by msgnet: an in-memory user registry with
registration, login and a per-user message store, plus the request handlers that expose
it over the message transport.

Wire bodies use the field stack of the message package, so the receiver extracts in the
reverse of the push order:

	registration / login request:  email, username, password
	message store request:         text
	registration / login answer:   reason, ok
	message store answer:          reason, id, ok
	message broadcast:             time (unix nanos), id, author, text

Sessions are bound to the connection id a request arrived on. The server calls Logout
when a connection goes away.
*/
package accounts
