// Package services holds the long-lived loopd services shared by every
// task a process drives.
//
// NewRegistry takes the instances built at startup. Controllers, the
// operator API and CLI commands read them through the accessors.
package services
