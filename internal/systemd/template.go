package systemd

// UnitTemplate returns the systemd unit for the gavel submission gateway.
// The gateway owns the spool and the ledger; exactly one instance runs
// per home directory.
func UnitTemplate() string {
	return `[Unit]
Description=Gavel submission gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=gavel
ExecStart=/usr/local/bin/gavel serve --home /var/lib/gavel
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=true
ReadWritePaths=/var/lib/gavel

[Install]
WantedBy=multi-user.target
`
}
