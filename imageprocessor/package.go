// Package imageprocessor loads images with OpenCV and implements the ORB
// feature extractor and the homography-verified comparator.
package imageprocessor
