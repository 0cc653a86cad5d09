package version

// Version is the current version of sqlpull.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "1.4.0"

// Name is the application name.
const Name = "sqlpull"

// Description is a short description of the application.
const Description = "Adaptive parallel SQL Server to PostgreSQL extraction"
