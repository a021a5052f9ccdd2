package main

import (
	"github.com/fieldline/netsync"
)

// end disconnects all clients and releases everything d holds
func (d *daemon) end() {
	d.log.Info("Ending")

	if d.admin != nil {
		if err := d.admin.Close(); err != nil {
			d.log.Warnw("close admin", "err", err)
		}
	}

	if err := d.srv.Stop(); err != nil {
		d.log.Warnw("stop server", "err", err)
	}

	if d.plugins != nil {
		d.plugins.Close()
	}

	if d.history != nil {
		if err := d.history.Close(); err != nil {
			d.log.Warnw("close session history", "err", err)
		}
	}

	netsync.Shutdown()
}
