// Package secrets redacts credentials from text before it is embedded,
// stored in memory, or returned by a front end.
//
// Two engines are available. The rules engine applies a compact regex table
// and is the default. The gitleaks engine runs the full gitleaks rule set
// and is slower but far broader.
package secrets
