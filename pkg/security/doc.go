/*
Package security groups transport security for the data plane.

The tls subpackage holds the certificate store: it keeps one
certificate per https listener, replaces PEM material at runtime
without interrupting established sessions, and builds the tls.Config
each listener handshakes with.

	store := tls.NewStore()
	if err := store.Update("web", certPEM, keyPEM); err != nil {
		return err
	}
	cfg := store.ServerConfig("web")
*/
package security
