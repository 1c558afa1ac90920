// Package kit holds the shared contracts between the scheduler, the
// dispatcher, the preference reconciler and the external collaborators
// (pipeline, delivery, sync). It has no dependencies on the services
// themselves so every component can import it.
package kit
