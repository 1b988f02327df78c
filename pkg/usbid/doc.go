// Package usbid looks up USB vendor and product names in the usb.ids
// database shipped with most Linux distributions.
//
//	db, path, err := usbid.Load(afero.NewOsFs())
//	if err != nil {
//	    // names fall back to hex IDs
//	}
//	fmt.Println(db.Describe(0x1d6b, 0x0003)) // "Linux Foundation 3.0 root hub"
//
// A nil *Database is valid and knows no names.
package usbid
