package main

import (
	"github.com/fruitsalade/previewsync/internal/blobstore"
	"github.com/fruitsalade/previewsync/internal/config"
	"github.com/fruitsalade/previewsync/internal/protocol"
	"github.com/fruitsalade/previewsync/internal/transport"
	"github.com/fruitsalade/previewsync/internal/transport/httprelay"
)

// relayTransports builds the primary and optional fallback relay
// transports. device, when set, is announced on both.
func relayTransports(sc config.SessionConfig, device *protocol.Device) (primary, fallback transport.Transport) {
	primary = httprelay.New(httprelay.Config{
		BaseURL:   sc.PrimaryURL,
		Name:      "primary",
		AuthToken: sc.Token,
		Device:    device,
	})
	if sc.FallbackURL != "" {
		fallback = httprelay.New(httprelay.Config{
			BaseURL:   sc.FallbackURL,
			Name:      "fallback",
			AuthToken: sc.Token,
			Device:    device,
		})
	}
	return primary, fallback
}

// followChannel merges the relay transports into one channel.
func followChannel(sc config.SessionConfig, device *protocol.Device) transport.Channel {
	primary, fallback := relayTransports(sc, device)
	if fallback == nil {
		return primary
	}
	return transport.NewMirror(primary, fallback, transport.MirrorConfig{
		GraceWindow:       sc.GraceWindow,
		FailoverThreshold: sc.FailoverThreshold,
	})
}

// blobStore uploads and fetches through the primary relay.
func blobStore(sc config.SessionConfig) *blobstore.HTTPStore {
	return blobstore.NewHTTPStore(blobstore.HTTPConfig{
		BaseURL:   sc.PrimaryURL,
		AuthToken: sc.Token,
	})
}
