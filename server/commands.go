package server

// command describes how a verb is dispatched.
type command struct {
	handler func(*session, string) error
	// login requires an authenticated user.
	login bool
	// arg requires a non-empty parameter.
	arg bool
}

// commandTable maps FTP verbs to their handlers.
var commandTable map[string]command

func init() {
	commandTable = map[string]command{
		// Access control
		"USER": {handler: (*session).handleUSER, arg: true},
		"PASS": {handler: (*session).handlePASS},
		"QUIT": {handler: (*session).handleQUIT},

		// File management
		"CWD":  {handler: (*session).handleCWD, login: true, arg: true},
		"XCWD": {handler: (*session).handleCWD, login: true, arg: true},
		"CDUP": {handler: (*session).handleCDUP, login: true},
		"XCUP": {handler: (*session).handleCDUP, login: true},
		"PWD":  {handler: (*session).handlePWD, login: true},
		"XPWD": {handler: (*session).handlePWD, login: true},
		"LIST": {handler: (*session).handleLIST, login: true},
		"NLST": {handler: (*session).handleNLST, login: true},
		"MKD":  {handler: (*session).handleMKD, login: true, arg: true},
		"XMKD": {handler: (*session).handleMKD, login: true, arg: true},
		"RMD":  {handler: (*session).handleRMD, login: true, arg: true},
		"XRMD": {handler: (*session).handleRMD, login: true, arg: true},
		"DELE": {handler: (*session).handleDELE, login: true, arg: true},
		"RNFR": {handler: (*session).handleRNFR, login: true, arg: true},
		"RNTO": {handler: (*session).handleRNTO, login: true, arg: true},

		// File transfer
		"RETR": {handler: (*session).handleRETR, login: true, arg: true},
		"STOR": {handler: (*session).handleSTOR, login: true, arg: true},
		"ABOR": {handler: (*session).handleABOR},

		// Transfer parameters
		"TYPE": {handler: (*session).handleTYPE, arg: true},
		"MODE": {handler: (*session).handleMODE, arg: true},
		"STRU": {handler: (*session).handleSTRU, arg: true},
		"PORT": {handler: (*session).handlePORT, arg: true},
		"EPRT": {handler: (*session).handleEPRT, arg: true},
		"PASV": {handler: (*session).handlePASV},
		"EPSV": {handler: (*session).handleEPSV},

		// Information
		"FEAT": {handler: (*session).handleFEAT},
		"OPTS": {handler: (*session).handleOPTS, arg: true},
		"SYST": {handler: (*session).handleSYST},
		"NOOP": {handler: (*session).handleNOOP},

		// Security
		"AUTH": {handler: (*session).handleAUTH, arg: true},
		"PBSZ": {handler: (*session).handlePBSZ},
		"PROT": {handler: (*session).handlePROT, arg: true},
	}
}

// unimplementedCommands are standard verbs this server knows but does not
// carry out. They get 502 rather than 500.
var unimplementedCommands = map[string]struct{}{
	"ACCT": {}, "SMNT": {}, "REIN": {}, "STOU": {}, "APPE": {}, "ALLO": {},
	"REST": {}, "SITE": {}, "STAT": {}, "HELP": {}, "SIZE": {}, "MDTM": {},
	"MLSD": {}, "MLST": {},
}

// Predefined command groups for use with WithDisableCommands.
//
// Example usage:
//
//	// Create a read-only server
//	srv, _ := server.NewServer(":21",
//	    server.WithFileProviderFactory(fsys),
//	    server.WithDisableCommands(server.WriteCommands...),
//	)
var (
	// LegacyCommands contains the X* command variants from RFC 775.
	LegacyCommands = []string{"XCWD", "XCUP", "XPWD", "XMKD", "XRMD"}

	// ActiveModeCommands contains the commands that make the server
	// connect to the client. Disabling them leaves passive mode only,
	// which suits servers behind NAT.
	ActiveModeCommands = []string{"PORT", "EPRT"}

	// WriteCommands contains all commands that modify the file system.
	WriteCommands = []string{"STOR", "DELE", "RMD", "XRMD", "MKD", "XMKD", "RNFR", "RNTO"}
)
