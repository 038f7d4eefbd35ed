/*
Package tls holds the certificate material for HTTPS listeners.

Certificates never come from disk paths inside a worker: they arrive
as PEM bytes on update_certificate control orders and are installed
into a Store keyed by listener ID. A listener's tls.Config resolves
its certificate through the store on every handshake, so an update
takes effect for the next connection without rebinding the socket:

	store := tls.NewStore()
	if err := store.Update("web-tls", certPEM, keyPEM); err != nil {
		return err
	}
	cfg := store.ServerConfig("web-tls")
*/
package tls
