package common

import "os"

func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}

// Remove deletes a file ignoring any error. The demo in main.go uses it to
// clean up its db file.
func Remove(file string) {
	_ = os.Remove(file)
}
